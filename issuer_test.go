package tunnelcert

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

type stubACMEClient struct {
	dns01Set   bool
	http01Set  bool
	registered bool
	obtainErr  error
	requests   []certificate.ObtainRequest
}

func (s *stubACMEClient) Register(registration.RegisterOptions) (*registration.Resource, error) {
	s.registered = true
	return &registration.Resource{}, nil
}

func (s *stubACMEClient) SetDNS01Provider(challenge.Provider, ...dns01.ChallengeOption) error {
	s.dns01Set = true
	return nil
}

func (s *stubACMEClient) SetHTTP01Provider(challenge.Provider) error {
	s.http01Set = true
	return nil
}

func (s *stubACMEClient) Obtain(req certificate.ObtainRequest) (*certificate.Resource, error) {
	s.requests = append(s.requests, req)
	if s.obtainErr != nil {
		return nil, s.obtainErr
	}
	return &certificate.Resource{
		Certificate:       []byte("cert-data"),
		PrivateKey:        []byte("key-data"),
		IssuerCertificate: []byte("issuer-data"),
	}, nil
}

func newStubbedIssuer(t *testing.T, stub *stubACMEClient) *Issuer {
	t.Helper()
	cfg := testConfig(t)
	cfg.AcmeAccountPrivateKey = accountKeyPEM(t)
	issuer := NewIssuer(cfg, testLogger())
	issuer.clientFactory = func(*lego.Config) (acmeClient, error) {
		return stub, nil
	}
	return issuer
}

func TestIssueDNS01(t *testing.T) {
	stub := &stubACMEClient{}
	issuer := newStubbedIssuer(t, stub)

	pub := &recordingPublisher{}
	provider := NewRegistrarDNSProvider(context.Background(), pub, "abc123", testLogger())

	bundle, err := issuer.Issue(context.Background(), "mygateway.example.com", ChallengeDNS01, provider)
	require.NoError(t, err)

	assert.True(t, stub.dns01Set)
	assert.False(t, stub.http01Set)
	assert.True(t, stub.registered)

	require.Len(t, stub.requests, 1)
	assert.Equal(t, []string{"mygateway.example.com"}, stub.requests[0].Domains)
	assert.True(t, stub.requests[0].Bundle)

	assert.Equal(t, []byte("cert-data"), bundle.CertificatePEM)
	assert.Equal(t, []byte("key-data"), bundle.PrivateKeyPEM)
	assert.Equal(t, []byte("issuer-data"), bundle.ChainPEM)
}

func TestIssueHTTP01(t *testing.T) {
	stub := &stubACMEClient{}
	issuer := newStubbedIssuer(t, stub)

	provider, err := NewWebrootProvider(t.TempDir())
	require.NoError(t, err)

	_, err = issuer.Issue(context.Background(), "mygateway.example.com", ChallengeHTTP01, provider)
	require.NoError(t, err)
	assert.True(t, stub.http01Set)
	assert.False(t, stub.dns01Set)
}

func TestIssueUnsupportedChallengeType(t *testing.T) {
	issuer := newStubbedIssuer(t, &stubACMEClient{})

	_, err := issuer.Issue(context.Background(), "mygateway.example.com", ChallengeType("tls-alpn-01"), nil)
	require.ErrorIs(t, err, ErrChallenge)
}

func TestIssueClassifiesPolicyRejection(t *testing.T) {
	stub := &stubACMEClient{obtainErr: errors.New("acme: error: 429 :: urn:ietf:params:acme:error:rateLimited")}
	issuer := newStubbedIssuer(t, stub)

	provider, err := NewWebrootProvider(t.TempDir())
	require.NoError(t, err)

	_, err = issuer.Issue(context.Background(), "mygateway.example.com", ChallengeHTTP01, provider)
	require.ErrorIs(t, err, ErrIssuance)
}

func TestIssueClassifiesValidationFailure(t *testing.T) {
	stub := &stubACMEClient{obtainErr: errors.New("acme: error: 403 :: urn:ietf:params:acme:error:unauthorized :: incorrect TXT record")}
	issuer := newStubbedIssuer(t, stub)

	provider, err := NewWebrootProvider(t.TempDir())
	require.NoError(t, err)

	_, err = issuer.Issue(context.Background(), "mygateway.example.com", ChallengeHTTP01, provider)
	require.ErrorIs(t, err, ErrChallenge)
}

func TestIssueInvalidAccountKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.AcmeAccountPrivateKey = "not a pem key"
	issuer := NewIssuer(cfg, testLogger())

	_, err := issuer.Issue(context.Background(), "mygateway.example.com", ChallengeHTTP01, nil)
	require.Error(t, err)
}

func TestIssueHonorsCancelledContext(t *testing.T) {
	issuer := newStubbedIssuer(t, &stubACMEClient{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := issuer.Issue(ctx, "mygateway.example.com", ChallengeHTTP01, nil)
	require.ErrorIs(t, err, context.Canceled)
}
