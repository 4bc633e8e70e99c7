package tunnelcert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registrationService fakes the remote registration service and records
// every request it sees.
type registrationService struct {
	subscribeBody string
	dnsStatus     int
	emailStatus   int

	requests map[string][]url.Values
}

func newRegistrationService() *registrationService {
	return &registrationService{
		subscribeBody: `{"token":"abc123"}`,
		dnsStatus:     http.StatusOK,
		emailStatus:   http.StatusOK,
		requests:      make(map[string][]url.Values),
	}
}

func (s *registrationService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/subscribe", func(w http.ResponseWriter, r *http.Request) {
		s.requests["subscribe"] = append(s.requests["subscribe"], r.URL.Query())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(s.subscribeBody))
	})
	mux.HandleFunc("/dnsconfig", func(w http.ResponseWriter, r *http.Request) {
		s.requests["dnsconfig"] = append(s.requests["dnsconfig"], r.URL.Query())
		w.WriteHeader(s.dnsStatus)
	})
	mux.HandleFunc("/setemail", func(w http.ResponseWriter, r *http.Request) {
		s.requests["setemail"] = append(s.requests["setemail"], r.URL.Query())
		w.WriteHeader(s.emailStatus)
	})
	return mux
}

func TestSubscribeSendsQueryParameters(t *testing.T) {
	svc := newRegistrationService()
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	reg := NewRegistrar(srv.URL, testLogger())
	token, err := reg.Subscribe(context.Background(), "mygateway", "user@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	require.Len(t, svc.requests["subscribe"], 1)
	q := svc.requests["subscribe"][0]
	assert.Equal(t, "mygateway", q.Get("name"))
	assert.Equal(t, "user@example.com", q.Get("email"))
	assert.False(t, q.Has("reclamationToken"))
}

func TestSubscribeSendsReclamationToken(t *testing.T) {
	svc := newRegistrationService()
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	reg := NewRegistrar(srv.URL, testLogger())
	_, err := reg.Subscribe(context.Background(), "mygateway", "user@example.com", "reclaim-me")
	require.NoError(t, err)

	q := svc.requests["subscribe"][0]
	assert.Equal(t, "reclaim-me", q.Get("reclamationToken"))
}

func TestSubscribeErrorPayload(t *testing.T) {
	svc := newRegistrationService()
	svc.subscribeBody = `{"error":"name taken"}`
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	reg := NewRegistrar(srv.URL, testLogger())
	_, err := reg.Subscribe(context.Background(), "mygateway", "user@example.com", "")
	require.ErrorIs(t, err, ErrSubscription)
	assert.Contains(t, err.Error(), "name taken")
}

func TestSubscribeMalformedResponse(t *testing.T) {
	svc := newRegistrationService()
	svc.subscribeBody = `<html>gateway timeout</html>`
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	reg := NewRegistrar(srv.URL, testLogger())
	_, err := reg.Subscribe(context.Background(), "mygateway", "user@example.com", "")
	require.ErrorIs(t, err, ErrSubscription)
	// The decode failure stays diagnosable from the message.
	assert.Contains(t, err.Error(), "decode response")
	assert.Contains(t, err.Error(), "invalid character")
}

func TestSubscribeNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on

	reg := NewRegistrar(srv.URL, testLogger())
	_, err := reg.Subscribe(context.Background(), "mygateway", "user@example.com", "")
	require.ErrorIs(t, err, ErrNetwork)
}

func TestPublishDNSChallenge(t *testing.T) {
	svc := newRegistrationService()
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	reg := NewRegistrar(srv.URL, testLogger())
	require.NoError(t, reg.PublishDNSChallenge(context.Background(), "abc123", "digest-value"))

	q := svc.requests["dnsconfig"][0]
	assert.Equal(t, "abc123", q.Get("token"))
	assert.Equal(t, "digest-value", q.Get("challenge"))
}

func TestPublishDNSChallengeServerError(t *testing.T) {
	svc := newRegistrationService()
	svc.dnsStatus = http.StatusInternalServerError
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	reg := NewRegistrar(srv.URL, testLogger())
	err := reg.PublishDNSChallenge(context.Background(), "abc123", "digest-value")
	require.ErrorIs(t, err, ErrChallenge)
}

func TestSetEmailParameters(t *testing.T) {
	svc := newRegistrationService()
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	reg := NewRegistrar(srv.URL, testLogger())
	require.NoError(t, reg.SetEmail(context.Background(), "abc123", "user@example.com", false))

	q := svc.requests["setemail"][0]
	assert.Equal(t, "abc123", q.Get("token"))
	assert.Equal(t, "user@example.com", q.Get("email"))
	assert.Equal(t, "false", q.Get("optout"))
}

func TestSetEmailFailureKind(t *testing.T) {
	svc := newRegistrationService()
	svc.emailStatus = http.StatusInternalServerError
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	reg := NewRegistrar(srv.URL, testLogger())
	err := reg.SetEmail(context.Background(), "abc123", "user@example.com", true)
	require.ErrorIs(t, err, ErrEmailAssociation)
}

// presentingIssuer simulates the ACME exchange far enough to exercise the
// challenge publisher: it presents a fixed key authorization through the
// provider before returning the bundle.
type presentingIssuer struct {
	bundle  *CertificateBundle
	domain  string
	keyAuth string
}

func (s *presentingIssuer) Issue(ctx context.Context, domain string, challengeType ChallengeType, provider challenge.Provider) (*CertificateBundle, error) {
	if err := provider.Present(s.domain, "challenge-token", s.keyAuth); err != nil {
		return nil, err
	}
	return s.bundle, nil
}

// TestRegisterEndToEnd walks the whole registration flow against a fake
// registration service: subscribe, token persistence, challenge digest
// publication, artifact write, email association.
func TestRegisterEndToEnd(t *testing.T) {
	svc := newRegistrationService()
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.RegistrationEndpoint = srv.URL

	const keyAuth = "challenge-token.account-thumbprint"
	issuer := &presentingIssuer{
		bundle:  testBundle(t, time.Now().Add(90*24*time.Hour)),
		domain:  "mygateway.example.com",
		keyAuth: keyAuth,
	}

	settings := &stubSettings{}
	certs := NewCertStore(cfg.CertDir, testLogger())
	manager := NewManager(cfg, NewRegistrar(srv.URL, testLogger()), issuer, certs, settings, nil, testLogger())

	err := manager.Register(context.Background(), RegistrationRequest{
		Email:      "user@example.com",
		Subdomain:  "mygateway",
		FullDomain: "mygateway.example.com",
	})
	require.NoError(t, err)

	// Token persisted as {name, token} from the subscribe response.
	require.Len(t, settings.saves, 1)
	assert.Equal(t, &TunnelToken{Name: "mygateway", Token: "abc123"}, settings.saves[0])

	// The digest sent to dnsconfig is exactly the key authorization digest
	// for the authorization under validation.
	require.Len(t, svc.requests["dnsconfig"], 1)
	q := svc.requests["dnsconfig"][0]
	want := dns01.GetChallengeInfo("mygateway.example.com", keyAuth).Value
	assert.Equal(t, "abc123", q.Get("token"))
	assert.Equal(t, want, q.Get("challenge"))

	// All three artifacts present.
	bundle, err := certs.Load()
	require.NoError(t, err)
	assert.NotEmpty(t, bundle.CertificatePEM)
	assert.NotEmpty(t, bundle.PrivateKeyPEM)
	assert.NotEmpty(t, bundle.ChainPEM)

	// setemail invoked exactly once.
	require.Len(t, svc.requests["setemail"], 1)
	e := svc.requests["setemail"][0]
	assert.Equal(t, "abc123", e.Get("token"))
	assert.Equal(t, "user@example.com", e.Get("email"))
	assert.Equal(t, "false", e.Get("optout"))
}

// TestRegisterRejectedEndToEnd verifies the fail-fast path: a rejected
// subscribe leaves no local side effects and triggers no further calls.
func TestRegisterRejectedEndToEnd(t *testing.T) {
	svc := newRegistrationService()
	svc.subscribeBody = `{"error":"name taken"}`
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.RegistrationEndpoint = srv.URL

	settings := &stubSettings{}
	certs := NewCertStore(cfg.CertDir, testLogger())
	manager := NewManager(cfg, NewRegistrar(srv.URL, testLogger()), &stubIssuer{}, certs, settings, nil, testLogger())

	err := manager.Register(context.Background(), RegistrationRequest{
		Email:     "user@example.com",
		Subdomain: "mygateway",
	})
	require.ErrorIs(t, err, ErrSubscription)

	assert.Empty(t, settings.saves)
	assert.Empty(t, svc.requests["dnsconfig"])
	assert.Empty(t, svc.requests["setemail"])
	_, err = certs.Load()
	assert.ErrorIs(t, err, ErrBundleNotFound)
}
