package challenge

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
)

const maxProbeBody = 64 * 1024

// Resolver is the outbound lookup capability the validators probe through.
// Implementations must honor ctx deadlines.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	FetchHTTP(ctx context.Context, url string) ([]byte, error)
}

// NetResolver probes over the real network: TXT lookups against a configured
// DNS server list (system resolver when empty) and plain HTTP fetches with a
// bounded timeout.
type NetResolver struct {
	DNSServers []string
	Timeout    time.Duration

	httpClient *http.Client
}

func NewNetResolver(dnsServers []string, timeout time.Duration) *NetResolver {
	return &NetResolver{
		DNSServers: dnsServers,
		Timeout:    timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (r *NetResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if len(r.DNSServers) == 0 {
		resolver := &net.Resolver{}
		return resolver.LookupTXT(ctx, name)
	}

	client := &dns.Client{Timeout: r.Timeout}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)

	var lastErr error
	for _, server := range r.DNSServers {
		resp, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = fmt.Errorf("error querying %s: %w", server, err)
			continue
		}
		var values []string
		for _, answer := range resp.Answer {
			if txt, ok := answer.(*dns.TXT); ok {
				for _, value := range txt.Txt {
					values = append(values, value)
				}
			}
		}
		return values, nil
	}
	return nil, lastErr
}

func (r *NetResolver) FetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("error in http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("User-Agent", "certkiln-validator/1.0")

	res, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error doing request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxProbeBody))
	if err != nil {
		return nil, fmt.Errorf("error reading body: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d fetching %s", res.StatusCode, url)
	}
	return body, nil
}
