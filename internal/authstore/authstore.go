// Package authstore stores provider credentials: API keys and OAuth
// tokens go in the OS keyring first, falling back to a 0600 TOML file
// under the user config directory when the keyring is unavailable. An
// arbitrary provider name keys the namespace rather than a single
// hardcoded provider.
package authstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gokeyring "github.com/zalando/go-keyring"
)

const (
	keyringService = "dev.codepunk.codepunk-cli"
	apiKeyPrefix   = "apikey_"
	oauthPrefix    = "oauth_"
)

// TokenData holds OAuth token material for one provider.
type TokenData struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	Provider     string    `json:"provider"`
}

// IsExpired reports whether the token is expired or within five minutes
// of expiring.
func (t *TokenData) IsExpired() bool {
	if t == nil {
		return true
	}
	return time.Now().After(t.Expiry.Add(-5 * time.Minute))
}

// Store is the credential store. A fallbackPath of "" disables the
// file-backed fallback (failures surface to the caller instead).
type Store struct {
	fallbackPath string
}

func New(fallbackPath string) *Store {
	return &Store{fallbackPath: fallbackPath}
}

// DefaultFallbackPath returns ~/.config/codepunk/auth.toml.
func DefaultFallbackPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", "codepunk", "auth.toml")
}

// SaveAPIKey stores an API key in the keyring, falling back to the TOML
// file on keyring failure.
func (s *Store) SaveAPIKey(provider, apiKey string) error {
	if err := gokeyring.Set(keyringService, apiKeyPrefix+provider, apiKey); err != nil {
		return s.saveFallback(provider, "api_key", apiKey)
	}
	return nil
}

// GetAPIKey retrieves an API key, keyring first then the fallback file.
// A not-found result returns "" with a nil error.
func (s *Store) GetAPIKey(provider string) (string, error) {
	v, err := gokeyring.Get(keyringService, apiKeyPrefix+provider)
	if err == nil {
		return v, nil
	}
	return s.getFallback(provider, "api_key")
}

func (s *Store) DeleteAPIKey(provider string) error {
	err := gokeyring.Delete(keyringService, apiKeyPrefix+provider)
	if err != nil && err != gokeyring.ErrNotFound {
		return fmt.Errorf("delete api key from keyring: %w", err)
	}
	return s.deleteFallback(provider)
}

// SaveToken stores OAuth tokens in the keyring as a JSON blob, falling
// back to the TOML file.
func (s *Store) SaveToken(provider, accessToken, refreshToken string, expiry time.Time) error {
	data := TokenData{AccessToken: accessToken, RefreshToken: refreshToken, Expiry: expiry, Provider: provider}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}
	if err := gokeyring.Set(keyringService, oauthPrefix+provider, string(raw)); err != nil {
		return s.saveFallback(provider, "oauth_token", string(raw))
	}
	return nil
}

// GetToken retrieves OAuth tokens, checking an env-var override first
// (PROVIDER_OAUTH_TOKEN), then the keyring, then the fallback file.
func (s *Store) GetToken(provider string) (*TokenData, error) {
	envVar := strings.ToUpper(provider) + "_OAUTH_TOKEN"
	if raw := os.Getenv(envVar); raw != "" {
		return decodeToken(raw, provider)
	}

	raw, err := gokeyring.Get(keyringService, oauthPrefix+provider)
	if err != nil {
		if err != gokeyring.ErrNotFound {
			return nil, fmt.Errorf("retrieve token from keyring: %w", err)
		}
		fallback, ferr := s.getFallback(provider, "oauth_token")
		if ferr != nil || fallback == "" {
			return nil, ferr
		}
		raw = fallback
	}
	return decodeToken(raw, provider)
}

func decodeToken(raw, provider string) (*TokenData, error) {
	var data TokenData
	if err := json.Unmarshal([]byte(raw), &data); err == nil {
		return &data, nil
	}
	// Not JSON: treat as a bare access token (manual env-var override case).
	return &TokenData{AccessToken: raw, Provider: provider, Expiry: time.Now().Add(24 * time.Hour)}, nil
}

func (s *Store) DeleteToken(provider string) error {
	err := gokeyring.Delete(keyringService, oauthPrefix+provider)
	if err != nil && err != gokeyring.ErrNotFound {
		return fmt.Errorf("delete token from keyring: %w", err)
	}
	return s.deleteFallback(provider)
}

// fallbackDoc is the on-disk shape of the fallback file: one table per
// provider instead of a single global block.
type fallbackDoc map[string]map[string]string

func (s *Store) saveFallback(provider, key, value string) error {
	if s.fallbackPath == "" {
		return fmt.Errorf("keyring unavailable and no fallback path configured")
	}
	if err := os.MkdirAll(filepath.Dir(s.fallbackPath), 0o755); err != nil {
		return fmt.Errorf("create auth store directory: %w", err)
	}
	doc, _ := s.readFallback()
	if doc == nil {
		doc = fallbackDoc{}
	}
	if doc[provider] == nil {
		doc[provider] = map[string]string{}
	}
	doc[provider][key] = value
	return s.writeFallback(doc)
}

func (s *Store) getFallback(provider, key string) (string, error) {
	if s.fallbackPath == "" {
		return "", nil
	}
	doc, err := s.readFallback()
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return doc[provider][key], nil
}

func (s *Store) deleteFallback(provider string) error {
	if s.fallbackPath == "" {
		return nil
	}
	doc, err := s.readFallback()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	delete(doc, provider)
	return s.writeFallback(doc)
}

func (s *Store) readFallback() (fallbackDoc, error) {
	data, err := os.ReadFile(s.fallbackPath)
	if err != nil {
		return nil, err
	}
	doc := fallbackDoc{}
	if err := tomlUnmarshalFallback(data, &doc); err != nil {
		return nil, fmt.Errorf("parse fallback auth store: %w", err)
	}
	return doc, nil
}

func (s *Store) writeFallback(doc fallbackDoc) error {
	data, err := tomlMarshalFallback(doc)
	if err != nil {
		return fmt.Errorf("marshal fallback auth store: %w", err)
	}
	return os.WriteFile(s.fallbackPath, data, 0o600)
}
