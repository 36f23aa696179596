package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kamikazebr/luna-auth/pkg/models"
)

const (
	ConfigFile = "config.json"

	// HomeEnv overrides the config directory.
	HomeEnv = "LUNA_HOME"

	DefaultServerURL = "http://localhost:8080"
)

// ErrNotLoggedIn is returned when no session is stored.
var ErrNotLoggedIn = errors.New("not logged in. Run 'luna login' first")

// GetConfigDir returns the config directory path for the current user
func GetConfigDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user directory: %w", err)
	}
	return filepath.Join(home, ".luna"), nil
}

// Config is the client session persisted between commands.
type Config struct {
	ServerURL             string    `json:"server_url"`
	Email                 string    `json:"email,omitempty"`
	AccountID             string    `json:"account_id,omitempty"`
	Fingerprint           string    `json:"device_fingerprint,omitempty"`
	AccessToken           string    `json:"access_token,omitempty"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at,omitempty"`
	RefreshToken          string    `json:"refresh_token,omitempty"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`
	UpdatedAt             time.Time `json:"updated_at,omitempty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{ServerURL: DefaultServerURL}
}

// Load loads the configuration from disk. A missing file yields nil, nil.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(configDir, ConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if config.ServerURL == "" {
		config.ServerURL = DefaultServerURL
	}
	return &config, nil
}

// LoadOrDefault never returns a nil config on success.
func LoadOrDefault() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return cfg, nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// tokens live here, owner-only; WriteFile keeps the mode of an existing file
	path := filepath.Join(configDir, ConfigFile)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to restrict config permissions: %w", err)
	}
	return nil
}

// Delete deletes the configuration file
func Delete() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(configDir, ConfigFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SetSession stores a fresh token pair.
func (c *Config) SetSession(pair *models.TokenPair, account *models.Account, now time.Time) {
	c.AccessToken = pair.AccessToken
	c.AccessTokenExpiresAt = pair.AccessTokenExpiresAt
	c.RefreshToken = pair.RefreshToken
	c.RefreshTokenExpiresAt = pair.RefreshTokenExpiresAt
	if account != nil {
		c.Email = account.Email
		c.AccountID = account.ID.String()
	}
	c.UpdatedAt = now
}

// ClearSession drops tokens but keeps the server and fingerprint.
func (c *Config) ClearSession() {
	c.AccessToken = ""
	c.AccessTokenExpiresAt = time.Time{}
	c.RefreshToken = ""
	c.RefreshTokenExpiresAt = time.Time{}
	c.AccountID = ""
}

func (c *Config) LoggedIn() bool {
	return c.RefreshToken != ""
}

// AccessExpiresWithin reports whether the access token is missing or
// expires before now+d.
func (c *Config) AccessExpiresWithin(now time.Time, d time.Duration) bool {
	return c.AccessToken == "" || !now.Add(d).Before(c.AccessTokenExpiresAt)
}

// RefreshExpired returns true if the refresh token can no longer be used.
func (c *Config) RefreshExpired(now time.Time) bool {
	return c.RefreshToken == "" || !now.Before(c.RefreshTokenExpiresAt)
}
