package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"golang.org/x/sync/singleflight"
)

const (
	tokenURL      = "https://console.anthropic.com/v1/oauth/token"
	oauthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	// refreshWindow is the trailing interval before expiry during which a
	// proactive refresh is attempted.
	refreshWindow  = 5 * time.Minute
	refreshTimeout = 30 * time.Second
)

// Override carries operator-supplied credential values that take precedence
// over every other source.
type Override struct {
	AccessToken  string
	RefreshToken string
}

// Store resolves, caches, and refreshes the upstream credential.
//
// Resolution order, first success wins: operator override, the durable
// local credential file, the platform keychain. The resolved credential is
// cached for the process lifetime and refreshed in place once it enters the
// refresh window; concurrent callers racing past that boundary share a
// single refresh exchange.
type Store struct {
	override Override
	filePath string
	tokenURL string
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cached *Credential
	group  singleflight.Group
}

func NewStore(override Override, filePath string, logger *slog.Logger) *Store {
	if filePath == "" {
		filePath = DefaultCredentialPath()
	}

	return &Store{
		override: override,
		filePath: filePath,
		tokenURL: tokenURL,
		client:   &http.Client{Timeout: refreshTimeout},
		logger:   logger,
		now:      time.Now,
	}
}

// Resolve returns a credential snapshot valid for one request. A cached
// credential is reused as-is while outside the refresh window, and even
// past it when no refresh token exists: a possibly stale token beats a
// guaranteed failure. When refresh is possible but fails, the unrefreshed
// credential is still used until it is hard-expired.
func (s *Store) Resolve(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	cred := s.cached
	s.mu.Unlock()

	if cred == nil {
		found, err := s.lookup()
		if err != nil {
			return Credential{}, err
		}

		s.mu.Lock()
		s.cached = found
		s.mu.Unlock()
		cred = found
	}

	if !s.needsRefresh(cred) || cred.RefreshToken == "" {
		return *cred, nil
	}

	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.refresh(ctx, *cred)
	})
	if err != nil {
		if cred.ExpiresAt.IsZero() || s.now().Before(cred.ExpiresAt) {
			s.logger.Warn("Credential refresh failed, using unrefreshed credential", "error", err)
			return *cred, nil
		}

		return Credential{}, fmt.Errorf("%w: %v", ErrCredentialExpired, err)
	}

	fresh := v.(*Credential)

	s.mu.Lock()
	s.cached = fresh
	s.mu.Unlock()

	return *fresh, nil
}

func (s *Store) needsRefresh(cred *Credential) bool {
	if cred.ExpiresAt.IsZero() {
		return false
	}

	return !s.now().Before(cred.ExpiresAt.Add(-refreshWindow))
}

func (s *Store) lookup() (*Credential, error) {
	if s.override.AccessToken != "" {
		return &Credential{
			AccessToken:  s.override.AccessToken,
			RefreshToken: s.override.RefreshToken,
		}, nil
	}

	if cred, err := readCredentialFile(s.filePath); err == nil {
		s.logger.Debug("Resolved credential from file", "path", s.filePath)
		return cred, nil
	} else if !os.IsNotExist(err) {
		s.logger.Warn("Failed to read credential file", "path", s.filePath, "error", err)
	}

	if cred, err := readKeychain(); err == nil {
		s.logger.Debug("Resolved credential from keychain")
		return cred, nil
	}

	return nil, ErrCredentialUnavailable
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// refresh performs the OAuth refresh-token exchange and best-effort
// persists the result. Persistence failure is logged, never fatal: the
// refreshed credential still serves the current call.
func (s *Store) refresh(ctx context.Context, cred Credential) (*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	payload, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: cred.RefreshToken,
		ClientID:     oauthClientID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("token exchange returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var token refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	if token.AccessToken == "" {
		return nil, fmt.Errorf("token exchange returned empty access token")
	}

	fresh := &Credential{
		AccessToken:       token.AccessToken,
		RefreshToken:      token.RefreshToken,
		SubscriptionLabel: cred.SubscriptionLabel,
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}
	if token.ExpiresIn > 0 {
		fresh.ExpiresAt = s.now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}

	if err := s.persist(fresh); err != nil {
		s.logger.Warn("Failed to persist refreshed credential", "path", s.filePath, "error", err)
	}

	s.logger.Info("Refreshed upstream credential", "expires_at", fresh.ExpiresAt)

	return fresh, nil
}

// persist writes the credential back to the durable file with owner-only
// permissions, under an advisory lock so concurrent processes refreshing at
// the same moment do not interleave writes.
func (s *Store) persist(cred *Credential) error {
	if s.filePath == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}

	data, err := json.MarshalIndent(credentialFile{ClaudeAiOauth: recordFromCredential(cred)}, "", "  ")
	if err != nil {
		return err
	}

	lock := flock.New(s.filePath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock credential file: %w", err)
	}
	defer lock.Unlock()

	if err := atomic.WriteFile(s.filePath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}

	return os.Chmod(s.filePath, 0o600)
}
