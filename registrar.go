package tunnelcert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Registrar is the HTTP client for the subdomain registration service. The
// service owns DNS for the shared domain; all three operations are plain GET
// requests with URL encoded query parameters.
type Registrar struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewRegistrar creates a client for the registration service at endpoint.
func NewRegistrar(endpoint string, logger *slog.Logger) *Registrar {
	if endpoint == "" || logger == nil {
		panic("NewRegistrar: received empty endpoint or nil logger")
	}
	return &Registrar{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("component", "registrar"),
	}
}

// subscribeResponse is the JSON body of the subscribe endpoint. Exactly one
// of the two fields is set.
type subscribeResponse struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

// Subscribe claims a subdomain for the given account email and returns the
// opaque subscription token. A non-empty reclamationToken re-claims a
// previously registered subdomain instead of creating a fresh record.
func (r *Registrar) Subscribe(ctx context.Context, name, email, reclamationToken string) (string, error) {
	params := url.Values{}
	params.Set("name", name)
	params.Set("email", email)
	if reclamationToken != "" {
		params.Set("reclamationToken", reclamationToken)
	}

	body, err := r.get(ctx, "subscribe", params)
	if err != nil {
		return "", fmt.Errorf("subscribe %q: %w", name, err)
	}

	var resp subscribeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("subscribe %q: decode response: %s: %w", name, err, ErrSubscription)
	}
	if resp.Error != "" {
		r.logger.Warn("registrar rejected subscription", "name", name, "reason", resp.Error)
		return "", fmt.Errorf("subscribe %q: %s: %w", name, resp.Error, ErrSubscription)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("subscribe %q: empty token in response: %w", name, ErrSubscription)
	}

	r.logger.Info("subdomain subscribed", "name", name)
	return resp.Token, nil
}

// PublishDNSChallenge asks the registrar to publish the key authorization
// digest as the DNS TXT challenge record for this installation's subdomain.
// Success means the registrar accepted the digest, not that DNS has
// propagated; the ACME issuer polls for propagation on its own.
func (r *Registrar) PublishDNSChallenge(ctx context.Context, token, digest string) error {
	params := url.Values{}
	params.Set("token", token)
	params.Set("challenge", digest)

	if _, err := r.get(ctx, "dnsconfig", params); err != nil {
		return fmt.Errorf("publish dns challenge: %s: %w", err, ErrChallenge)
	}
	r.logger.Info("dns challenge digest accepted by registrar")
	return nil
}

// SetEmail associates the account email with the subdomain record. A failure
// here does not invalidate an already issued certificate.
func (r *Registrar) SetEmail(ctx context.Context, token, email string, optOut bool) error {
	params := url.Values{}
	params.Set("token", token)
	params.Set("email", email)
	params.Set("optout", strconv.FormatBool(optOut))

	if _, err := r.get(ctx, "setemail", params); err != nil {
		return fmt.Errorf("set email: %s: %w", err, ErrEmailAssociation)
	}
	r.logger.Info("email associated with subdomain record")
	return nil
}

// get performs one GET against the service and returns the response body.
// Transport failures map to ErrNetwork; a non-2xx status is reported with
// the status text so the caller can attach its own error kind.
func (r *Registrar) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	reqURL := r.endpoint + "/" + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	r.logger.Debug("calling registration service", "path", path)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err, ErrNetwork)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", ErrNetwork)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s: %w", resp.Status, ErrNetwork)
	}
	return body, nil
}
