package challenge

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/certkiln/certkiln/gologger"
	"github.com/certkiln/certkiln/tracing"
	"github.com/samber/lo"
)

var logger = gologger.NewLogger()

// Result is the outcome of one validation probe. Ordinary failure is a
// result, not an error: OK false with a Reason for the client. Connection is
// true when the target could not be reached at all, as opposed to reachable
// but serving the wrong content.
type Result struct {
	OK         bool
	Reason     string
	Connection bool
}

// ValidateHTTP01 fetches http://<domain>/.well-known/acme-challenge/<token>
// and compares the body against the expected key authorization. Trailing
// whitespace in the body is tolerated. Never call this for wildcard
// identifiers; the engine does not emit http-01 challenges for them.
func ValidateHTTP01(ctx context.Context, resolver Resolver, domain, token, keyAuth string, port int) Result {
	ctx, span := tracing.KilnTracer.Start(ctx, "ValidateHTTP01")
	defer span.End()

	host := domain
	if port != 80 {
		host = net.JoinHostPort(domain, strconv.Itoa(port))
	}
	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", host, token)

	logger.Debug().Str("url", url).Msg("probing http-01 challenge")

	body, err := resolver.FetchHTTP(ctx, url)
	if err != nil {
		logger.Debug().Err(err).Str("domain", domain).Msg("http-01 probe failed")
		return Result{Reason: fmt.Sprintf("could not fetch %s: %s", url, err), Connection: true}
	}

	got := strings.TrimRight(string(body), " \t\r\n")
	if got != keyAuth {
		return Result{Reason: "response body does not match key authorization"}
	}
	return Result{OK: true}
}

// ValidateDNS01 queries TXT records at _acme-challenge.<domain> (wildcard
// prefix stripped) and passes when at least one record equals the expected
// digest of the key authorization.
func ValidateDNS01(ctx context.Context, resolver Resolver, domain, expectedDigest string) Result {
	ctx, span := tracing.KilnTracer.Start(ctx, "ValidateDNS01")
	defer span.End()

	name := "_acme-challenge." + strings.TrimPrefix(domain, "*.")

	logger.Debug().Str("name", name).Msg("looking up dns-01 TXT record")

	values, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		logger.Debug().Err(err).Str("name", name).Msg("dns-01 lookup failed")
		return Result{Reason: fmt.Sprintf("could not look up TXT %s: %s", name, err), Connection: true}
	}
	if len(values) == 0 {
		return Result{Reason: fmt.Sprintf("no TXT records found at %s", name)}
	}
	if lo.Contains(values, expectedDigest) {
		return Result{OK: true}
	}
	return Result{Reason: "no TXT record matches the expected digest"}
}
