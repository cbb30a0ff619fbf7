package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/acortes/civicsync/internal/domain/model"
	"github.com/acortes/civicsync/internal/domain/port/driven"
)

const (
	authNamespace = "auth"
	credentialKey = "credential"
)

// CredentialConfig tunes the credential manager.
type CredentialConfig struct {
	RefreshThreshold time.Duration // refresh when remaining lifetime drops below this; default 5m
	RefreshPath      string        // token exchange endpoint; default /auth/refresh
}

func (c *CredentialConfig) applyDefaults() {
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = 5 * time.Minute
	}
	if c.RefreshPath == "" {
		c.RefreshPath = "/auth/refresh"
	}
}

// CredentialManager owns the session's access/refresh token pair. Reads
// never hand out a near-expiry access token without attempting a refresh
// first, and concurrent callers share a single in-flight refresh.
//
// It satisfies the gateway's AuthProvider, so any 401 in the system funnels
// into the same single-flight refresh.
type CredentialManager struct {
	gw  driven.Gateway
	kv  driven.KVStore
	bus *Bus
	cfg CredentialConfig

	group singleflight.Group
	now   func() time.Time

	mu   sync.Mutex
	cred *model.Credential
}

// NewCredentialManager creates a CredentialManager, restoring any credential
// persisted by a previous run.
func NewCredentialManager(ctx context.Context, gw driven.Gateway, kv driven.KVStore, bus *Bus, cfg CredentialConfig) *CredentialManager {
	cfg.applyDefaults()

	m := &CredentialManager{gw: gw, kv: kv, bus: bus, cfg: cfg, now: time.Now}

	raw, err := kv.Get(ctx, authNamespace, credentialKey)
	if err != nil {
		slog.Warn("credential reload failed", "error", err)
		return m
	}
	if raw != nil {
		var cred model.Credential
		if err := json.Unmarshal(raw, &cred); err != nil {
			slog.Warn("stored credential unreadable, discarding", "error", err)
			_ = kv.Delete(ctx, authNamespace, credentialKey)
			return m
		}
		m.cred = &cred
		slog.Info("credential restored", "subject", cred.Subject, "expires_at", cred.ExpiresAt)
	}

	return m
}

// current returns a copy of the live credential, or nil when signed out.
func (m *CredentialManager) current() *model.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil
	}
	cred := *m.cred
	return &cred
}

// GetValidAccessToken returns the current access token, refreshing first
// when its remaining lifetime is below the threshold. Returns ("", nil) when
// signed out, and an authentication error when refresh fails (state is
// cleared in that case).
func (m *CredentialManager) GetValidAccessToken(ctx context.Context) (string, error) {
	cred := m.current()
	if cred == nil {
		return "", nil
	}

	if !cred.ExpiresWithin(m.now(), m.cfg.RefreshThreshold) {
		return cred.AccessToken, nil
	}

	if err := m.Refresh(ctx); err != nil {
		return "", err
	}

	cred = m.current()
	if cred == nil {
		return "", &model.APIError{Kind: model.ErrorKindAuthentication, Message: "signed out during refresh"}
	}
	return cred.AccessToken, nil
}

// Refresh exchanges the refresh token for a new credential. Concurrent
// callers await the same underlying exchange (single-flight); a failed
// exchange clears state and surfaces an authentication error.
func (m *CredentialManager) Refresh(ctx context.Context) error {
	_, err, shared := m.group.Do("refresh", func() (any, error) {
		return nil, m.doRefresh(ctx)
	})
	if shared {
		slog.Debug("credential refresh shared with concurrent caller")
	}
	return err
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (m *CredentialManager) doRefresh(ctx context.Context) error {
	cred := m.current()
	if cred == nil || cred.RefreshToken == "" {
		return &model.APIError{Kind: model.ErrorKindAuthentication, Message: "no refresh token available"}
	}

	resp, err := m.gw.Do(ctx, driven.Request{
		Method: "POST",
		Path:   m.cfg.RefreshPath,
		Body:   map[string]string{"refresh_token": cred.RefreshToken},
		NoAuth: true,
	})
	if err != nil {
		slog.Warn("credential refresh failed, clearing session", "error", err)
		m.Clear(ctx)
		return &model.APIError{Kind: model.ErrorKindAuthentication, Message: fmt.Sprintf("session refresh failed: %v", err)}
	}

	var parsed refreshResponse
	if err := json.Unmarshal(resp.Data, &parsed); err != nil || parsed.AccessToken == "" {
		m.Clear(ctx)
		return &model.APIError{Kind: model.ErrorKindAuthentication, Message: "refresh response malformed"}
	}

	// The server may rotate the refresh token or keep it.
	refreshToken := parsed.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}

	if err := m.SetCredential(ctx, parsed.AccessToken, refreshToken, parsed.ExpiresIn); err != nil {
		return err
	}

	slog.Info("credential refreshed", "expires_at", m.current().ExpiresAt)
	return nil
}

// SetCredential stores a new credential and computes its absolute expiry.
// When expiresIn (seconds) is zero, expiry and subject are derived from the
// access token's JWT claims.
func (m *CredentialManager) SetCredential(ctx context.Context, access, refresh string, expiresIn int) error {
	cred := model.Credential{
		AccessToken:  access,
		RefreshToken: refresh,
	}

	if expiresIn > 0 {
		cred.ExpiresAt = m.now().Add(time.Duration(expiresIn) * time.Second)
	}

	// Claims are advisory here; the server is the verifier. ParseUnverified
	// just recovers exp/sub for bookkeeping.
	if claims, ok := parseClaims(access); ok {
		if cred.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
			cred.ExpiresAt = claims.ExpiresAt.Time
		}
		cred.Subject = claims.Subject
	}

	if cred.ExpiresAt.IsZero() {
		return fmt.Errorf("cannot determine credential expiry: no expires_in and no exp claim")
	}

	m.mu.Lock()
	m.cred = &cred
	m.mu.Unlock()

	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := m.kv.Set(ctx, authNamespace, credentialKey, raw); err != nil {
		// The session still works in memory; persistence loss only costs the
		// next restart a sign-in.
		slog.Warn("credential persist failed", "error", err)
	}

	m.bus.Publish(Event{Type: EventTokenUpdated, Payload: cred.Subject})
	return nil
}

// Clear wipes credential state and broadcasts the logged-out event.
func (m *CredentialManager) Clear(ctx context.Context) {
	m.mu.Lock()
	m.cred = nil
	m.mu.Unlock()

	if err := m.kv.DeleteNamespace(ctx, authNamespace); err != nil {
		slog.Warn("credential wipe failed", "error", err)
	}

	m.bus.Publish(Event{Type: EventTokenCleared})
}

// SignedIn reports whether a credential is currently live.
func (m *CredentialManager) SignedIn() bool {
	return m.current() != nil
}

// Subject returns the signed-in user identity, or "".
func (m *CredentialManager) Subject() string {
	if cred := m.current(); cred != nil {
		return cred.Subject
	}
	return ""
}

// Token implements the gateway AuthProvider contract.
func (m *CredentialManager) Token(ctx context.Context) (string, error) {
	return m.GetValidAccessToken(ctx)
}

func parseClaims(token string) (*jwt.RegisteredClaims, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}
