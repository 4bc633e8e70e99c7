package tunnelcert

import (
	"context"
	"crypto"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
)

// Issuer drives the ACME exchange for one domain: account registration,
// challenge setup through the supplied publisher, and certificate obtainment.
// The orchestrator treats Issue as a single blocking call.
type Issuer struct {
	config        *Config
	logger        *slog.Logger
	clientFactory clientFactory
}

// NewIssuer creates an Issuer using the ACME account configured in cfg.
func NewIssuer(cfg *Config, logger *slog.Logger) *Issuer {
	if cfg == nil || logger == nil {
		panic("NewIssuer: received nil config or logger")
	}
	return &Issuer{
		config:        cfg,
		logger:        logger.With("component", "issuer"),
		clientFactory: defaultClientFactory,
	}
}

// acmeUser implements lego's registration.User interface (internal helper type)
type acmeUser struct {
	email        string
	registration *registration.Resource
	privateKey   crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.privateKey }

// Issue obtains a signed certificate bundle for domain, publishing the
// challenge proof through provider. The provider must match challengeType.
func (i *Issuer) Issue(ctx context.Context, domain string, challengeType ChallengeType, provider challenge.Provider) (*CertificateBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	accountKey, err := certcrypto.ParsePEMPrivateKey([]byte(i.config.AcmeAccountPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse ACME account private key: %w", err)
	}

	user := &acmeUser{email: i.config.Email, privateKey: accountKey}
	legoConfig := lego.NewConfig(user)
	legoConfig.CADirURL = i.config.CADirectoryURL
	legoConfig.Certificate.KeyType = certcrypto.EC256 // Request ECDSA certs

	client, err := i.clientFactory(legoConfig)
	if err != nil {
		return nil, fmt.Errorf("create ACME client: %s: %w", err, ErrNetwork)
	}

	switch challengeType {
	case ChallengeDNS01:
		err = client.SetDNS01Provider(provider, dns01.AddDNSTimeout(10*time.Minute))
	case ChallengeHTTP01:
		err = client.SetHTTP01Provider(provider)
	default:
		return nil, fmt.Errorf("unsupported challenge type %q: %w", challengeType, ErrChallenge)
	}
	if err != nil {
		return nil, fmt.Errorf("set %s provider: %s: %w", challengeType, err, ErrChallenge)
	}

	// Lego checks whether the account already exists for this key.
	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("ACME registration for %s: %s: %w", i.config.Email, err, ErrIssuance)
	}
	user.registration = reg

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.logger.Info("requesting certificate", "domain", domain, "challenge", challengeType)

	// The main blocking call: order, challenge, validation, finalize.
	resource, err := client.Obtain(certificate.ObtainRequest{
		Domains: []string{domain},
		Bundle:  true, // Request the full chain including intermediates
	})
	if err != nil {
		kind := classifyObtainError(err)
		i.logger.Error("failed to obtain certificate", "domain", domain, "error", err)
		return nil, fmt.Errorf("obtain certificate for %s: %s: %w", domain, err, kind)
	}
	if len(resource.Certificate) == 0 || len(resource.PrivateKey) == 0 {
		return nil, fmt.Errorf("obtain certificate for %s: empty artifact in response: %w", domain, ErrIssuance)
	}

	i.logger.Info("certificate obtained", "domain", domain, "certificate_url", resource.CertURL)

	return &CertificateBundle{
		CertificatePEM: resource.Certificate,
		PrivateKeyPEM:  resource.PrivateKey,
		ChainPEM:       resource.IssuerCertificate,
	}, nil
}

// classifyObtainError separates authority policy rejections from challenge
// validation failures. Lego flattens ACME problem documents into the error
// string, so the urn is matched textually.
func classifyObtainError(err error) error {
	msg := strings.ToLower(err.Error())
	policyMarkers := []string{
		"ratelimited",
		"rate limit",
		"rejectedidentifier",
		"unsupportedidentifier",
		"useractionrequired",
		"malformed",
	}
	for _, marker := range policyMarkers {
		if strings.Contains(msg, marker) {
			return ErrIssuance
		}
	}
	return ErrChallenge
}

type clientFactory func(*lego.Config) (acmeClient, error)

// acmeClient is the slice of the lego client the issuer needs; narrow so
// tests can substitute a stub.
type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetDNS01Provider(provider challenge.Provider, opts ...dns01.ChallengeOption) error
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (l *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClientAdapter) SetDNS01Provider(provider challenge.Provider, opts ...dns01.ChallengeOption) error {
	return l.client.Challenge.SetDNS01Provider(provider, opts...)
}

func (l *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClientAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}
