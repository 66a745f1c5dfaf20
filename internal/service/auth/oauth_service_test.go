package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-storefront/internal/config"
	"github.com/smallbiznis/valora-storefront/internal/domain"
	domainoauth "github.com/smallbiznis/valora-storefront/internal/domain/oauth"
)

func TestOAuthService_Start(t *testing.T) {
	h := newOAuthTestHarness()
	ctx := context.Background()

	out, err := h.service.Start(ctx, StartInput{AccountID: "acct-1"})
	require.NoError(t, err)
	require.NotEmpty(t, out.SessionID)

	session, err := h.sessions.GetSession(ctx, out.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, "acct-1", session.AccountID)
	require.Equal(t, out.State, session.State)
	require.GreaterOrEqual(t, len(session.CodeVerifier), 43)

	sum := sha256.Sum256([]byte(session.CodeVerifier))
	require.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), session.CodeChallenge)

	u, err := url.Parse(out.AuthorizationURL)
	require.NoError(t, err)
	require.Equal(t, session.CodeChallenge, u.Query().Get("code_challenge"))
	require.Equal(t, out.State, u.Query().Get("state"))
	require.Equal(t, h.now.Add(10*time.Minute), out.ExpiresAt)
}

func TestOAuthService_StartRequiresAccount(t *testing.T) {
	h := newOAuthTestHarness()
	_, err := h.service.Start(context.Background(), StartInput{AccountID: "  "})
	require.ErrorIs(t, err, domainoauth.ErrInvalidRequest)
}

func TestOAuthService_Callback(t *testing.T) {
	h := newOAuthTestHarness()
	ctx := context.Background()
	out, err := h.service.Start(ctx, StartInput{AccountID: "acct-1"})
	require.NoError(t, err)

	token, err := h.service.Callback(ctx, CallbackInput{SessionID: out.SessionID, State: out.State, Code: "code-1"})
	require.NoError(t, err)
	require.Equal(t, "APP_USR-access", token.AccessToken)
	require.Equal(t, "code-1", h.providerClient.lastCode)

	session, _ := h.sessions.GetSession(ctx, out.SessionID)
	require.Nil(t, session, "session must be single use")

	stored, err := h.tokens.Get(ctx, "acct-1", domain.PlatformMarketplace)
	require.NoError(t, err)
	require.Equal(t, "TG-refresh", stored.RefreshToken)
	require.False(t, stored.NeedsReauth)
	require.Equal(t, "123456789", stored.ProviderUserID)

	_, err = h.service.Callback(ctx, CallbackInput{SessionID: out.SessionID, State: out.State, Code: "code-1"})
	require.ErrorIs(t, err, domainoauth.ErrSessionExpired)
}

func TestOAuthService_CallbackStateMismatch(t *testing.T) {
	cases := map[string]func(string) string{
		"different": func(string) string { return "not-the-state" },
		"case":      func(s string) string { return flipCase(s) },
		"prefix":    func(s string) string { return s[:len(s)-1] },
		"empty":     func(string) string { return "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newOAuthTestHarness()
			ctx := context.Background()
			out, err := h.service.Start(ctx, StartInput{AccountID: "acct-1"})
			require.NoError(t, err)

			_, err = h.service.Callback(ctx, CallbackInput{SessionID: out.SessionID, State: mutate(out.State), Code: "valid-code"})
			require.ErrorIs(t, err, domainoauth.ErrStateMismatch)
			require.Empty(t, h.providerClient.lastCode, "code must not be exchanged")

			session, _ := h.sessions.GetSession(ctx, out.SessionID)
			require.Nil(t, session)
		})
	}
}

func TestOAuthService_CallbackExpired(t *testing.T) {
	h := newOAuthTestHarness()
	ctx := context.Background()
	out, err := h.service.Start(ctx, StartInput{AccountID: "acct-1"})
	require.NoError(t, err)

	h.advance(11 * time.Minute)
	_, err = h.service.Callback(ctx, CallbackInput{SessionID: out.SessionID, State: out.State, Code: "c"})
	require.ErrorIs(t, err, domainoauth.ErrSessionExpired)

	_, err = h.service.Callback(ctx, CallbackInput{SessionID: "", State: out.State, Code: "c"})
	require.ErrorIs(t, err, domainoauth.ErrSessionExpired)
}

func TestOAuthService_CallbackProviderDenied(t *testing.T) {
	h := newOAuthTestHarness()
	ctx := context.Background()
	out, err := h.service.Start(ctx, StartInput{AccountID: "acct-1"})
	require.NoError(t, err)

	_, err = h.service.Callback(ctx, CallbackInput{SessionID: out.SessionID, State: out.State, Error: "access_denied"})
	require.ErrorIs(t, err, domainoauth.ErrProviderDenied)
}

func TestOAuthService_ReauthorizeKeepsTokensUntilCallback(t *testing.T) {
	h := newOAuthTestHarness()
	ctx := context.Background()
	_, err := h.tokens.SaveCredentials(ctx, domain.StoredToken{
		AccountID:   "acct-1",
		Platform:    domain.PlatformMarketplace,
		AccessToken: "APP_USR-old",
	})
	require.NoError(t, err)

	out, err := h.service.Reauthorize(ctx, ReauthorizeInput{AccountID: "acct-1", Reason: domain.ReauthReasonExpired})
	require.NoError(t, err)

	stored, err := h.tokens.Get(ctx, "acct-1", domain.PlatformMarketplace)
	require.NoError(t, err)
	require.True(t, stored.NeedsReauth)
	require.Equal(t, domain.ReauthReasonExpired, stored.ReauthReason)
	require.Equal(t, "APP_USR-old", stored.AccessToken)

	_, err = h.service.Callback(ctx, CallbackInput{SessionID: out.SessionID, State: out.State, Code: "new-code"})
	require.NoError(t, err)

	stored, err = h.tokens.Get(ctx, "acct-1", domain.PlatformMarketplace)
	require.NoError(t, err)
	require.False(t, stored.NeedsReauth)
	require.Equal(t, "APP_USR-access", stored.AccessToken)
}

func TestOAuthService_ReauthorizeRejectsUnknownReason(t *testing.T) {
	h := newOAuthTestHarness()
	_, err := h.service.Reauthorize(context.Background(), ReauthorizeInput{AccountID: "acct-1", Reason: "bored"})
	require.ErrorIs(t, err, domainoauth.ErrInvalidRequest)
}

func TestOAuthService_DisconnectAndStatus(t *testing.T) {
	h := newOAuthTestHarness()
	ctx := context.Background()

	view, err := h.service.Status(ctx, "acct-1")
	require.NoError(t, err)
	require.False(t, view.Connected)

	_, err = h.tokens.SaveCredentials(ctx, domain.StoredToken{
		AccountID:    "acct-1",
		Platform:     domain.PlatformMarketplace,
		AccessToken:  "APP_USR-1234567890-abcdef",
		RefreshToken: "TG-1",
	})
	require.NoError(t, err)

	view, err = h.service.Status(ctx, "acct-1")
	require.NoError(t, err)
	require.True(t, view.Connected)
	require.Equal(t, "APP_…cdef", view.AccessTokenPreview)

	require.NoError(t, h.service.Disconnect(ctx, "acct-1"))
	view, err = h.service.Status(ctx, "acct-1")
	require.NoError(t, err)
	require.False(t, view.Connected)
	require.True(t, view.NeedsReauth)
	require.Equal(t, string(domain.ReauthReasonManual), view.ReauthReason)
}

// ---- Test harness and fakes ----

type oauthTestHarness struct {
	service        OAuthService
	sessions       *memorySessionStore
	providerClient *fakeProviderClient
	tokens         *memoryTokenRepo
	now            time.Time
	clock          *time.Time
}

func newOAuthTestHarness() *oauthTestHarness {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	h := &oauthTestHarness{
		sessions:       &memorySessionStore{data: map[string]domainoauth.PKCESession{}},
		providerClient: &fakeProviderClient{},
		tokens:         &memoryTokenRepo{data: map[string]domain.StoredToken{}},
		now:            now,
	}
	clock := now
	h.clock = &clock

	svc := NewOAuthService(h.sessions, h.providerClient, h.tokens, config.Config{
		OAuthRedirectURI:     "https://shop.test/oauth/callback",
		OAuthScopes:          []string{"offline_access", "read"},
		OAuthSessionTTL:      10 * time.Minute,
		OAuthExchangeTimeout: time.Second,
	}, zap.NewNop())
	svc.(*oauthService).now = func() time.Time { return *h.clock }
	h.service = svc
	return h
}

func (h *oauthTestHarness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func flipCase(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
			b[i] = c - 32
			return string(b)
		case c >= 'A' && c <= 'Z':
			b[i] = c + 32
			return string(b)
		}
	}
	return s + "x"
}

type memorySessionStore struct {
	mu   sync.RWMutex
	data map[string]domainoauth.PKCESession
}

func (m *memorySessionStore) SaveSession(_ context.Context, session domainoauth.PKCESession, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[session.SessionID] = session
	return nil
}

func (m *memorySessionStore) GetSession(_ context.Context, id string) (*domainoauth.PKCESession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (m *memorySessionStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

type fakeProviderClient struct {
	lastCode     string
	lastVerifier string
}

func (f *fakeProviderClient) AuthCodeURL(state, challenge, redirectURI string, scopes []string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("redirect_uri", redirectURI)
	return "https://auth.marketplace.test/authorization?" + q.Encode()
}

func (f *fakeProviderClient) ExchangeCode(_ context.Context, code, verifier, _ string) (*domainoauth.TokenSet, error) {
	f.lastCode = code
	f.lastVerifier = verifier
	return &domainoauth.TokenSet{
		AccessToken:  "APP_USR-access",
		RefreshToken: "TG-refresh",
		Expiry:       time.Now().Add(6 * time.Hour),
		Scopes:       []string{"offline_access", "read"},
		UserID:       "123456789",
	}, nil
}

func (f *fakeProviderClient) Refresh(context.Context, string) (*domainoauth.TokenSet, error) {
	return nil, fmt.Errorf("not used")
}

type memoryTokenRepo struct {
	mu   sync.Mutex
	data map[string]domain.StoredToken
}

func (r *memoryTokenRepo) Get(_ context.Context, accountID, platform string) (domain.StoredToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.data[accountID+"/"+platform]
	if !ok {
		return domain.StoredToken{}, fmt.Errorf("get token: %w", domain.ErrNotFound)
	}
	return tok, nil
}

func (r *memoryTokenRepo) GetByProviderUser(_ context.Context, platform, providerUserID string) (domain.StoredToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tok := range r.data {
		if tok.Platform == platform && tok.ProviderUserID == providerUserID {
			return tok, nil
		}
	}
	return domain.StoredToken{}, fmt.Errorf("get token by provider user: %w", domain.ErrNotFound)
}

func (r *memoryTokenRepo) SaveCredentials(_ context.Context, token domain.StoredToken) (domain.StoredToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token.NeedsReauth, token.ReauthReason = false, ""
	r.data[token.AccountID+"/"+token.Platform] = token
	return token, nil
}

func (r *memoryTokenRepo) MarkNeedsReauth(_ context.Context, accountID, platform string, reason domain.ReauthReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := r.data[accountID+"/"+platform]
	tok.AccountID, tok.Platform = accountID, platform
	tok.NeedsReauth, tok.ReauthReason = true, reason
	r.data[accountID+"/"+platform] = tok
	return nil
}

func (r *memoryTokenRepo) ClearCredentials(_ context.Context, accountID, platform string, reason domain.ReauthReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok := r.data[accountID+"/"+platform]
	tok.AccountID, tok.Platform = accountID, platform
	tok.AccessToken, tok.RefreshToken = "", ""
	tok.NeedsReauth, tok.ReauthReason = true, reason
	r.data[accountID+"/"+platform] = tok
	return nil
}
