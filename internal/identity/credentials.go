// ABOUTME: API credential storage - a TOML file owned by the user
// ABOUTME: Read fresh on every use so key rotation needs no restart

package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrNoCredential is returned when no API key has been configured.
var ErrNoCredential = errors.New("no API key configured")

// credentialRecord is the on-disk shape of the credential file.
type credentialRecord struct {
	APIKey string `toml:"api_key"`
}

// CredentialFile reads and writes the API key at a fixed path. The file
// is created with 0600; the key never passes through config or env.
type CredentialFile struct {
	Path string
}

// NewCredentialFile returns a credential store at path.
func NewCredentialFile(path string) *CredentialFile {
	return &CredentialFile{Path: path}
}

// Credential loads the key from disk. Satisfies the session's credential
// source so every request sees the latest key.
func (f *CredentialFile) Credential(ctx context.Context) (string, error) {
	var rec credentialRecord
	if _, err := toml.DecodeFile(f.Path, &rec); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoCredential
		}
		return "", fmt.Errorf("reading credential file: %w", err)
	}
	key := strings.TrimSpace(rec.APIKey)
	if key == "" {
		return "", ErrNoCredential
	}
	return key, nil
}

// Set writes the key, creating parent directories as needed.
func (f *CredentialFile) Set(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("API key is empty")
	}

	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating credential directory: %w", err)
		}
	}

	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(credentialRecord{APIKey: key}); err != nil {
		return fmt.Errorf("encoding credential file: %w", err)
	}
	if err := os.WriteFile(f.Path, []byte(buf.String()), 0o600); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}
	return nil
}
