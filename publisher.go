package tunnelcert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/providers/http/webroot"
)

// ChallengeType selects how proof of domain control is published.
type ChallengeType string

const (
	// ChallengeDNS01 publishes the proof as a DNS TXT record through the
	// registrar. Used at registration time, when the device's own web
	// server cannot yet be assumed reachable for the shared domain.
	ChallengeDNS01 ChallengeType = "dns-01"

	// ChallengeHTTP01 serves the proof from the local webroot. Used at
	// renewal time; it needs no further call to the remote registrar.
	ChallengeHTTP01 ChallengeType = "http-01"
)

// DNSChallengePublisher makes a DNS-01 proof externally observable.
// Implemented by Registrar via its dnsconfig endpoint.
type DNSChallengePublisher interface {
	PublishDNSChallenge(ctx context.Context, token, digest string) error
}

// registrarDNSProvider publishes DNS-01 proofs via the registrar's
// authenticated dnsconfig endpoint, keyed by the subscription token.
type registrarDNSProvider struct {
	ctx       context.Context
	registrar DNSChallengePublisher
	token     string
	logger    *slog.Logger
}

// NewRegistrarDNSProvider returns a challenge provider that asks the
// registrar to publish the TXT record on the device's behalf. ctx bounds the
// publish calls made during the ACME exchange.
func NewRegistrarDNSProvider(ctx context.Context, registrar DNSChallengePublisher, token string, logger *slog.Logger) challenge.Provider {
	return &registrarDNSProvider{
		ctx:       ctx,
		registrar: registrar,
		token:     token,
		logger:    logger.With("publisher", "registrar-dns"),
	}
}

// Present sends the key authorization digest to the registrar, untouched:
// the value published must equal exactly what the authority will validate.
func (p *registrarDNSProvider) Present(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	p.logger.Debug("publishing dns challenge", "domain", domain, "fqdn", info.EffectiveFQDN)
	return p.registrar.PublishDNSChallenge(p.ctx, p.token, info.Value)
}

// CleanUp is a no-op: the registrar exposes no record deletion endpoint and
// overwrites the TXT record on the next challenge.
func (p *registrarDNSProvider) CleanUp(domain, token, keyAuth string) error {
	p.logger.Debug("dns challenge cleanup skipped", "domain", domain)
	return nil
}

// NewWebrootProvider returns a challenge provider that writes HTTP-01 proofs
// under <webroot>/.well-known/acme-challenge/ for the local web server to
// serve.
func NewWebrootProvider(webrootPath string) (challenge.Provider, error) {
	provider, err := webroot.NewHTTPProvider(webrootPath)
	if err != nil {
		return nil, fmt.Errorf("webroot provider for %q: %s: %w", webrootPath, err, ErrChallenge)
	}
	return provider, nil
}
