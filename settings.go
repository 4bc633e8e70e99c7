package tunnelcert

import (
	"fmt"
	"log/slog"

	"github.com/caasmo/restinpieces/config"
	"github.com/pelletier/go-toml/v2"
)

// SettingsStore persists the single tunnel token record.
type SettingsStore interface {
	SaveToken(token *TunnelToken) error
	LoadToken() (*TunnelToken, error)
}

// SecureSettings stores the tunnel token as a TOML blob in the secure config
// store under TokenScope. Each save appends a new version; loads read the
// latest, so the record is overwritten, never merged.
type SecureSettings struct {
	store  config.SecureStore
	logger *slog.Logger
}

// NewSecureSettings creates a SettingsStore backed by store.
func NewSecureSettings(store config.SecureStore, logger *slog.Logger) *SecureSettings {
	if store == nil || logger == nil {
		panic("NewSecureSettings: received nil store or logger")
	}
	return &SecureSettings{store: store, logger: logger.With("component", "settings")}
}

func (s *SecureSettings) SaveToken(token *TunnelToken) error {
	if token == nil || token.Name == "" || token.Token == "" {
		return fmt.Errorf("settings: incomplete tunnel token: %w", ErrPersistence)
	}

	tomlBytes, err := toml.Marshal(token)
	if err != nil {
		return fmt.Errorf("settings: marshal tunnel token: %s: %w", err, ErrPersistence)
	}

	description := fmt.Sprintf("Tunnel token for subdomain %q", token.Name)
	if err := s.store.Save(TokenScope, tomlBytes, "toml", description); err != nil {
		return fmt.Errorf("settings: save tunnel token: %s: %w", err, ErrPersistence)
	}

	s.logger.Info("tunnel token persisted", "name", token.Name)
	return nil
}

// LoadToken returns the persisted tunnel token. Any state in which a token
// cannot be produced (no record yet, unreadable record) is reported as
// ErrTokenNotFound: without a token there is no known domain.
func (s *SecureSettings) LoadToken() (*TunnelToken, error) {
	data, _, err := s.store.Get(TokenScope, 0)
	if err != nil {
		s.logger.Debug("no tunnel token available", "error", err)
		return nil, ErrTokenNotFound
	}
	if len(data) == 0 {
		return nil, ErrTokenNotFound
	}

	var token TunnelToken
	if err := toml.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("settings: decode tunnel token: %s: %w", err, ErrTokenNotFound)
	}
	if token.Name == "" || token.Token == "" {
		return nil, ErrTokenNotFound
	}
	return &token, nil
}
