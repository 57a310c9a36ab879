package provisioner

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/certkiln/certkiln/keystore"
	"github.com/gobwas/glob"
	"golang.org/x/net/idna"
)

var (
	ErrBadDomain          = errors.New("identifier is not a valid DNS name")
	ErrWildcardNotAllowed = errors.New("wildcard identifiers are not allowed by this provisioner")
	ErrDomainNotAllowed   = errors.New("identifier is not allowed by this provisioner's domain policy")
)

// Metadata is the read-mostly provisioner configuration surfaced in
// certificates and the directory document.
type Metadata struct {
	TermsOfService   string
	Website          string
	CRLURL           string
	OCSPURL          string
	AllowWildcard    bool
	LeafValidity     time.Duration
	RenewalThreshold time.Duration
}

// Provisioner is one issuing context: a name, a domain policy, and the
// signing intermediate. The intermediate is read through a versioned snapshot
// so a renewal swap never hands a reader a half-updated pair.
type Provisioner struct {
	Name string
	Meta Metadata

	keyParams            keystore.KeyParams
	intermediateCN       string
	intermediateValidity time.Duration

	allowed []glob.Glob
	denied  []glob.Glob

	mu      sync.RWMutex
	signing keystore.Entry
}

// Signing returns the current signing intermediate entry. The returned entry
// is a consistent cert+key pair even if a renewal swaps it concurrently.
func (p *Provisioner) Signing() keystore.Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.signing
}

func (p *Provisioner) swapSigning(entry keystore.Entry) {
	p.mu.Lock()
	p.signing = entry
	p.mu.Unlock()
}

// CheckIdentifier validates a dns identifier value against syntax and the
// provisioner's wildcard and glob policies. The value may carry a single
// leading "*." wildcard prefix.
func (p *Provisioner) CheckIdentifier(value string) error {
	base := value
	if strings.HasPrefix(value, "*.") {
		if !p.Meta.AllowWildcard {
			return ErrWildcardNotAllowed
		}
		base = strings.TrimPrefix(value, "*.")
	}
	if base == "" || strings.Contains(base, "*") {
		return ErrBadDomain
	}
	ascii, err := idna.Lookup.ToASCII(base)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadDomain, err)
	}
	if !strings.Contains(ascii, ".") {
		return ErrBadDomain
	}

	for _, g := range p.denied {
		if g.Match(base) {
			return ErrDomainNotAllowed
		}
	}
	if len(p.allowed) == 0 {
		return nil
	}
	for _, g := range p.allowed {
		if g.Match(base) {
			return nil
		}
	}
	return ErrDomainNotAllowed
}
