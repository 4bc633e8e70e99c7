package tunnelcert

import (
	"time"
)

// TunnelToken binds this installation to its subdomain record at the
// registration service. It is created by a successful subscribe call and is
// the only way a later renewal can learn the domain name. Overwritten, never
// merged, on every successful registration.
type TunnelToken struct {
	Name  string `toml:"name" comment:"Registered subdomain label"`
	Token string `toml:"token" comment:"Opaque subscription token issued by the registrar"`
}

// RegistrationRequest carries the caller-supplied inputs of one Register
// flow. It is transient and never persisted.
type RegistrationRequest struct {
	Email            string
	Subdomain        string
	FullDomain       string
	ReclamationToken string // non-empty when re-claiming a previously registered subdomain
	EmailOptOut      bool
}

// CertificateBundle holds the three PEM artifacts of one issuance. The three
// fields always belong to the same issuance; no flow persists fewer than
// three or mixes artifacts from two issuances.
type CertificateBundle struct {
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	ChainPEM       []byte
}

// Cert is a certificate issuance history record.
type Cert struct {
	ID               int64     // Primary Key (populated on insert)
	Identifier       string    // Subdomain label the certificate was issued for
	Domain           string    // Full domain covered
	CertificateChain string    // PEM encoded certificate chain
	IssuedAt         time.Time // UTC timestamp of issuance
	ExpiresAt        time.Time // UTC timestamp of expiry
}

// TimeFormat renders timestamps the way the sqlite history table stores them.
func TimeFormat(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
