package tunnelcert

import "errors"

var (
	// ErrNetwork is returned when a remote call could not be completed at
	// the transport level (unreachable host, timeout).
	ErrNetwork = errors.New("remote call failed")

	// ErrSubscription is returned when the registrar rejected the
	// subscribe request (name taken, malformed reclamation token).
	ErrSubscription = errors.New("subdomain subscription rejected")

	// ErrChallenge is returned when the challenge proof could not be
	// published or the authority could not validate it.
	ErrChallenge = errors.New("challenge failed")

	// ErrIssuance is returned when the certificate authority refused
	// issuance for policy reasons, e.g. rate limiting.
	ErrIssuance = errors.New("certificate issuance refused")

	// ErrPersistence is returned when a local durable write failed.
	ErrPersistence = errors.New("local persistence failed")

	// ErrEmailAssociation is returned when the post-issuance setemail call
	// failed. The certificate is already issued and saved when this is
	// reported; only the email association needs a retry.
	ErrEmailAssociation = errors.New("email association failed")

	// ErrTokenNotFound is returned when no tunnel token has been persisted
	// yet. Without a token there is no known domain and nothing to renew.
	ErrTokenNotFound = errors.New("tunnel token not found")

	// ErrBundleNotFound is returned when no certificate bundle exists at
	// the configured location.
	ErrBundleNotFound = errors.New("certificate bundle not found")
)
