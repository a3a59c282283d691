package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrCredentialUnavailable means no source yielded a usable credential.
	ErrCredentialUnavailable = errors.New("no usable credential found")

	// ErrCredentialExpired means the credential is past expiry and the
	// refresh exchange failed.
	ErrCredentialExpired = errors.New("credential expired and refresh failed")
)

// Credential is an OAuth access credential for the upstream API. Values
// handed out by the Store are read-only snapshots valid for one request.
type Credential struct {
	AccessToken       string
	RefreshToken      string
	ExpiresAt         time.Time // zero when the source carries no expiry
	SubscriptionLabel string
}

// credentialFile is the durable on-disk format shared with the vendor CLI.
type credentialFile struct {
	ClaudeAiOauth credentialRecord `json:"claudeAiOauth"`
}

type credentialRecord struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken,omitempty"`
	ExpiresAt        int64  `json:"expiresAt,omitempty"` // unix milliseconds
	SubscriptionType string `json:"subscriptionType,omitempty"`
}

func (r credentialRecord) toCredential() *Credential {
	cred := &Credential{
		AccessToken:       r.AccessToken,
		RefreshToken:      r.RefreshToken,
		SubscriptionLabel: r.SubscriptionType,
	}
	if r.ExpiresAt > 0 {
		cred.ExpiresAt = time.UnixMilli(r.ExpiresAt)
	}

	return cred
}

func recordFromCredential(cred *Credential) credentialRecord {
	rec := credentialRecord{
		AccessToken:      cred.AccessToken,
		RefreshToken:     cred.RefreshToken,
		SubscriptionType: cred.SubscriptionLabel,
	}
	if !cred.ExpiresAt.IsZero() {
		rec.ExpiresAt = cred.ExpiresAt.UnixMilli()
	}

	return rec
}

func parseCredentialJSON(data []byte) (*Credential, error) {
	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse credential data: %w", err)
	}

	if file.ClaudeAiOauth.AccessToken == "" {
		return nil, errors.New("credential data has no access token")
	}

	return file.ClaudeAiOauth.toCredential(), nil
}

func readCredentialFile(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return parseCredentialJSON(data)
}

// DefaultCredentialPath is the durable local credential file, shared with
// the vendor CLI.
func DefaultCredentialPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".claude", ".credentials.json")
}
