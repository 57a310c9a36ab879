package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/certkiln/certkiln/gologger"
	"github.com/certkiln/certkiln/keystore"
)

var (
	ErrCSRSignature = errors.New("CSR signature does not verify")

	logger = gologger.NewLogger()
)

// IntermediateMeta carries the provisioner-derived fields stamped into an
// intermediate certificate.
type IntermediateMeta struct {
	CommonName string
	CRLURL     string
	OCSPURL    string
}

// RevokedCert is one CRL entry.
type RevokedCert struct {
	Serial    *big.Int
	RevokedAt time.Time
	Reason    int
}

// newSerial returns a random positive 128-bit serial number.
func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("error in rand.Int: %w", err)
	}
	return serial, nil
}

// GenerateRootCA creates the self-signed root under the fixed alias and
// persists it. Idempotent: if the alias already exists the stored entry is
// returned untouched.
func GenerateRootCA(store keystore.Store, params keystore.KeyParams, commonName string, validity time.Duration) (keystore.Entry, error) {
	existing, err := store.Get(keystore.AliasRootCA)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, keystore.ErrNotFound) {
		return keystore.Entry{}, fmt.Errorf("error in store.Get: %w", err)
	}

	logger.Info().Str("commonName", commonName).Msg("generating new root CA")

	key, err := store.NewKey(keystore.AliasRootCA, params)
	if err != nil {
		return keystore.Entry{}, fmt.Errorf("error in store.NewKey: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return keystore.Entry{}, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return keystore.Entry{}, fmt.Errorf("error in x509.CreateCertificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return keystore.Entry{}, fmt.Errorf("error in x509.ParseCertificate: %w", err)
	}

	entry := keystore.Entry{Key: key, Chain: []*x509.Certificate{cert}}
	if err := store.Put(keystore.AliasRootCA, entry); err != nil {
		return keystore.Entry{}, fmt.Errorf("error in store.Put: %w", err)
	}
	if err := store.Persist(); err != nil {
		return keystore.Entry{}, fmt.Errorf("error in store.Persist: %w", err)
	}
	return entry, nil
}

// GenerateIntermediateCA builds a new intermediate signed by the root,
// carrying CRL distribution point and OCSP responder URLs from the
// provisioner. The entry is returned in memory only; the caller owns the
// keystore swap ordering.
func GenerateIntermediateCA(store keystore.Store, root keystore.Entry, alias string, params keystore.KeyParams, meta IntermediateMeta, validity time.Duration) (keystore.Entry, error) {
	key, err := store.NewKey(alias, params)
	if err != nil {
		return keystore.Entry{}, fmt.Errorf("error in store.NewKey: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return keystore.Entry{}, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: meta.CommonName},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		MaxPathLenZero:        true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	if meta.CRLURL != "" {
		template.CRLDistributionPoints = []string{meta.CRLURL}
	}
	if meta.OCSPURL != "" {
		template.OCSPServer = []string{meta.OCSPURL}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, root.Certificate(), key.Public(), root.Key)
	if err != nil {
		return keystore.Entry{}, fmt.Errorf("error in x509.CreateCertificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return keystore.Entry{}, fmt.Errorf("error in x509.ParseCertificate: %w", err)
	}

	return keystore.Entry{Key: key, Chain: []*x509.Certificate{cert, root.Certificate()}}, nil
}

// ParseCSR parses a DER PKCS#10 request and verifies its inner signature.
func ParseCSR(der []byte) (*x509.CertificateRequest, error) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("error in x509.ParseCertificateRequest: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCSRSignature, err)
	}
	return csr, nil
}

// IssueLeafCertificate signs a leaf for the CSR under the given intermediate.
// SANs are copied verbatim from the CSR. The leaf notAfter is clamped to the
// intermediate's notAfter so a leaf never outlives its issuer.
func IssueLeafCertificate(csr *x509.CertificateRequest, issuer keystore.Entry, validity time.Duration) (*x509.Certificate, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	notAfter := now.Add(validity)
	if issuerNotAfter := issuer.Certificate().NotAfter; notAfter.After(issuerNotAfter) {
		notAfter = issuerNotAfter
	}

	keyUsage := x509.KeyUsageDigitalSignature
	if _, isRSA := csr.PublicKey.(*rsa.PublicKey); isRSA {
		keyUsage |= x509.KeyUsageKeyEncipherment
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    now,
		NotAfter:     notAfter,
		KeyUsage:     keyUsage,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if len(template.Subject.CommonName) == 0 && len(csr.DNSNames) > 0 {
		template.Subject.CommonName = csr.DNSNames[0]
	}

	der, err := x509.CreateCertificate(rand.Reader, template, issuer.Certificate(), csr.PublicKey, issuer.Key)
	if err != nil {
		return nil, fmt.Errorf("error in x509.CreateCertificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("error in x509.ParseCertificate: %w", err)
	}
	return cert, nil
}

// GenerateCRL builds a DER CRL of every currently revoked serial, signed by
// the intermediate, with nextUpdate bounded by the refresh interval.
func GenerateCRL(revoked []RevokedCert, issuer keystore.Entry, nextUpdate time.Duration) ([]byte, error) {
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, rc := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   rc.Serial,
			RevocationTime: rc.RevokedAt,
			ReasonCode:     rc.Reason,
		})
	}

	crlNumber, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    crlNumber,
		ThisUpdate:                now,
		NextUpdate:                now.Add(nextUpdate),
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, issuer.Certificate(), issuer.Key)
	if err != nil {
		return nil, fmt.Errorf("error in x509.CreateRevocationList: %w", err)
	}
	return der, nil
}
