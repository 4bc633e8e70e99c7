package tunnelcert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/challenge"
)

// SubdomainRegistrar is the remote registration service seen from the
// lifecycle manager.
type SubdomainRegistrar interface {
	DNSChallengePublisher
	Subscribe(ctx context.Context, name, email, reclamationToken string) (string, error)
	SetEmail(ctx context.Context, token, email string, optOut bool) error
}

// CertificateIssuer obtains a signed bundle for a domain, publishing the
// challenge proof through the supplied provider.
type CertificateIssuer interface {
	Issue(ctx context.Context, domain string, challengeType ChallengeType, provider challenge.Provider) (*CertificateBundle, error)
}

// BundleStore persists and reads back the certificate bundle.
type BundleStore interface {
	Write(b *CertificateBundle) error
	Load() (*CertificateBundle, error)
}

// HistoryWriter records issuance history. Optional; failures never fail a
// lifecycle flow.
type HistoryWriter interface {
	AddCert(cert Cert) error
}

// Manager orchestrates the two certificate lifecycle flows. Register runs at
// setup time and is interactive: every failure is returned to the caller.
// Renew runs unattended on a schedule: every terminal failure is logged.
//
// A single mutex serializes the flows, so at most one token-read, issue,
// write sequence is in flight per installation.
type Manager struct {
	config    *Config
	registrar SubdomainRegistrar
	issuer    CertificateIssuer
	certs     BundleStore
	settings  SettingsStore
	history   HistoryWriter
	logger    *slog.Logger

	mu sync.Mutex
}

// NewManager creates the lifecycle manager. history may be nil.
func NewManager(cfg *Config, registrar SubdomainRegistrar, issuer CertificateIssuer, certs BundleStore, settings SettingsStore, history HistoryWriter, logger *slog.Logger) *Manager {
	if cfg == nil || registrar == nil || issuer == nil || certs == nil || settings == nil || logger == nil {
		panic("NewManager: received nil dependency")
	}
	return &Manager{
		config:    cfg,
		registrar: registrar,
		issuer:    issuer,
		certs:     certs,
		settings:  settings,
		history:   history,
		logger:    logger.With("component", "lifecycle"),
	}
}

// Register claims the subdomain, persists the subscription token, obtains the
// first certificate via a DNS-01 challenge published by the registrar, and
// associates the account email with the subdomain record.
//
// DNS-01 is used here because the device's own web server cannot yet be
// assumed reachable for the shared domain, while the registrar controls its
// DNS and can publish the TXT record on the device's behalf.
//
// When req.ReclamationToken is set the email association already exists
// remotely and the setemail step is skipped. A failure of the setemail step
// is returned as ErrEmailAssociation even though the certificate is already
// issued and saved; callers distinguish it with errors.Is.
func (m *Manager) Register(ctx context.Context, req RegistrationRequest) error {
	if req.Email == "" || req.Subdomain == "" {
		return errors.New("register: email and subdomain are required")
	}
	fullDomain := req.FullDomain
	if fullDomain == "" {
		fullDomain = m.config.FullDomain(req.Subdomain)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("starting registration", "subdomain", req.Subdomain, "domain", fullDomain)

	token, err := m.registrar.Subscribe(ctx, req.Subdomain, req.Email, req.ReclamationToken)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	if err := m.settings.SaveToken(&TunnelToken{Name: req.Subdomain, Token: token}); err != nil {
		// The subscription already succeeded remotely; a retry of the
		// whole flow recovers by overwriting the record.
		m.logger.Error("token persistence failed after successful subscription", "subdomain", req.Subdomain, "error", err)
		return fmt.Errorf("register: %w", err)
	}

	provider := NewRegistrarDNSProvider(ctx, m.registrar, token, m.logger)
	bundle, err := m.issuer.Issue(ctx, fullDomain, ChallengeDNS01, provider)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	if err := m.certs.Write(bundle); err != nil {
		m.logger.Error("certificate was issued but could not be saved", "domain", fullDomain, "error", err)
		return fmt.Errorf("register: %w", err)
	}
	m.recordHistory(req.Subdomain, fullDomain, bundle)

	if req.ReclamationToken == "" {
		if err := m.registrar.SetEmail(ctx, token, req.Email, req.EmailOptOut); err != nil {
			m.logger.Error("certificate is valid and saved, but email association failed", "subdomain", req.Subdomain, "error", err)
			return fmt.Errorf("register: %w", err)
		}
	}

	m.logger.Info("registration complete", "subdomain", req.Subdomain, "domain", fullDomain)
	return nil
}

// Renew reissues the certificate for the registered subdomain via an HTTP-01
// challenge served from the local webroot, avoiding any call to the remote
// registrar. It is meant to run unattended; every terminal failure is logged,
// and the error is additionally returned so a job scheduler can record it.
//
// With no persisted token there is no known domain: Renew logs and returns
// nil without any network call.
func (m *Manager) Renew(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := m.settings.LoadToken()
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			m.logger.Info("no tunnel token persisted, nothing to renew")
			return nil
		}
		m.logger.Error("renewal aborted: cannot load tunnel token", "error", err)
		return fmt.Errorf("renew: %w", err)
	}

	domain := m.config.FullDomain(token.Name)

	if m.skipWhileValid(domain) {
		return nil
	}

	provider, err := NewWebrootProvider(m.config.WebrootPath)
	if err != nil {
		m.logger.Error("renewal aborted: webroot publisher unavailable", "webroot", m.config.WebrootPath, "error", err)
		return fmt.Errorf("renew: %w", err)
	}

	bundle, err := m.issuer.Issue(ctx, domain, ChallengeHTTP01, provider)
	if err != nil {
		m.logger.Error("renewal aborted: issuance failed", "domain", domain, "error", err)
		return fmt.Errorf("renew: %w", err)
	}

	if err := m.certs.Write(bundle); err != nil {
		m.logger.Error("renewal aborted: certificate was issued but could not be saved", "domain", domain, "error", err)
		return fmt.Errorf("renew: %w", err)
	}
	m.recordHistory(token.Name, domain, bundle)

	m.logger.Info("renewal complete", "domain", domain)
	return nil
}

// skipWhileValid reports whether the stored certificate is still outside the
// configured renewal window. Any problem reading the stored bundle means a
// renewal attempt is due.
func (m *Manager) skipWhileValid(domain string) bool {
	if m.config.RenewalDaysBefore <= 0 {
		return false
	}
	bundle, err := m.certs.Load()
	if err != nil {
		return false
	}
	expiry, err := BundleExpiry(bundle)
	if err != nil {
		m.logger.Warn("stored certificate unreadable, forcing renewal", "error", err)
		return false
	}
	window := time.Duration(m.config.RenewalDaysBefore) * 24 * time.Hour
	if time.Now().Add(window).Before(expiry) {
		m.logger.Debug("certificate still valid, renewal skipped", "domain", domain, "expires", expiry)
		return true
	}
	return false
}

func (m *Manager) recordHistory(identifier, domain string, bundle *CertificateBundle) {
	if m.history == nil {
		return
	}
	now := time.Now().UTC()
	expiry, err := BundleExpiry(bundle)
	if err != nil {
		m.logger.Warn("could not parse certificate expiry for history record", "error", err)
		expiry = time.Time{}
	}
	record := Cert{
		Identifier:       identifier,
		Domain:           domain,
		CertificateChain: string(bundle.CertificatePEM),
		IssuedAt:         now,
		ExpiresAt:        expiry,
	}
	if err := m.history.AddCert(record); err != nil {
		m.logger.Warn("failed to record issuance history", "identifier", identifier, "error", err)
	}
}
