// Package token keeps marketplace access tokens fresh and retries calls
// rejected as unauthorized.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/smallbiznis/valora-storefront/internal/domain"
	domainoauth "github.com/smallbiznis/valora-storefront/internal/domain/oauth"
	"github.com/smallbiznis/valora-storefront/internal/repository"
)

const (
	// DefaultLeadWindow refreshes tokens that expire within this window.
	DefaultLeadWindow = 10 * time.Minute
	// DefaultRefreshTimeout bounds the token endpoint call.
	DefaultRefreshTimeout = 5 * time.Second
)

// Refresher exchanges a refresh token for new credentials.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*domainoauth.TokenSet, error)
}

// Config tunes the manager.
type Config struct {
	Platform       string
	LeadWindow     time.Duration
	RefreshTimeout time.Duration
}

// Manager hands out valid access tokens per account. Refreshes for the same
// account are single-flight.
type Manager struct {
	tokens    repository.TokenRepository
	refresher Refresher
	platform  string
	lead      time.Duration
	timeout   time.Duration
	group     singleflight.Group
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewManager wires dependencies.
func NewManager(tokens repository.TokenRepository, refresher Refresher, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Platform == "" {
		cfg.Platform = domain.PlatformMarketplace
	}
	if cfg.LeadWindow <= 0 {
		cfg.LeadWindow = DefaultLeadWindow
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	return &Manager{
		tokens:    tokens,
		refresher: refresher,
		platform:  cfg.Platform,
		lead:      cfg.LeadWindow,
		timeout:   cfg.RefreshTimeout,
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer("github.com/smallbiznis/valora-storefront/internal/service/token"),
	}
}

// WithAuth runs fn with a valid access token for accountID. When fn fails
// with domain.ErrUnauthorized the token is refreshed once and fn retried once.
func WithAuth[T any](ctx context.Context, m *Manager, accountID string, fn func(ctx context.Context, accessToken string) (T, error)) (T, error) {
	var result T
	err := m.Do(ctx, accountID, func(ctx context.Context, accessToken string) error {
		out, err := fn(ctx, accessToken)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	return result, err
}

// Do is the non-generic form of WithAuth.
func (m *Manager) Do(ctx context.Context, accountID string, fn func(ctx context.Context, accessToken string) error) error {
	ctx, span := m.startSpan(ctx, "TokenManager.Do")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", accountID))

	accessToken, err := m.validAccessToken(ctx, accountID)
	if err != nil {
		recordError(span, err)
		return err
	}

	err = fn(ctx, accessToken)
	if !errors.Is(err, domain.ErrUnauthorized) {
		return err
	}

	m.log().Info("remote api rejected access token, refreshing", zap.String("account_id", accountID))
	fresh, err := m.refresh(ctx, accountID, accessToken, true)
	if err != nil {
		recordError(span, err)
		return err
	}
	if err := fn(ctx, fresh.AccessToken); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

// EnsureFresh refreshes the stored token when it is inside the lead window,
// or unconditionally when force is set.
func (m *Manager) EnsureFresh(ctx context.Context, accountID string, force bool) (domain.StoredToken, error) {
	ctx, span := m.startSpan(ctx, "TokenManager.EnsureFresh")
	defer span.End()

	if force {
		stored, err := m.load(ctx, accountID)
		if err != nil {
			recordError(span, err)
			return domain.StoredToken{}, err
		}
		fresh, err := m.refresh(ctx, accountID, stored.AccessToken, true)
		if err != nil {
			recordError(span, err)
		}
		return fresh, err
	}

	if _, err := m.validAccessToken(ctx, accountID); err != nil {
		recordError(span, err)
		return domain.StoredToken{}, err
	}
	return m.tokens.Get(ctx, accountID, m.platform)
}

// AccountForProviderUser maps the provider's user id, as carried by webhook
// payloads, to the account that connected as that user.
func (m *Manager) AccountForProviderUser(ctx context.Context, providerUserID string) (string, error) {
	stored, err := m.tokens.GetByProviderUser(ctx, m.platform, providerUserID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.ErrNotConnected
	}
	if err != nil {
		return "", fmt.Errorf("lookup provider user %s: %w", providerUserID, err)
	}
	return stored.AccountID, nil
}

// load returns usable stored credentials or the short-circuit error.
func (m *Manager) load(ctx context.Context, accountID string) (domain.StoredToken, error) {
	stored, err := m.tokens.Get(ctx, accountID, m.platform)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.StoredToken{}, domain.ErrNotConnected
	}
	if err != nil {
		return domain.StoredToken{}, fmt.Errorf("load token: %w", err)
	}
	if !stored.HasCredentials() {
		if stored.NeedsReauth {
			return domain.StoredToken{}, fmt.Errorf("%w: %s", domain.ErrReauthRequired, stored.ReauthReason)
		}
		return domain.StoredToken{}, domain.ErrNotConnected
	}
	return stored, nil
}

func (m *Manager) validAccessToken(ctx context.Context, accountID string) (string, error) {
	stored, err := m.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	now := m.now()
	if !stored.ExpiresWithin(now, m.lead) {
		return stored.AccessToken, nil
	}
	if !stored.CanRefresh(now) {
		if stored.Expired(now) {
			return "", m.requireReauth(ctx, accountID, domain.ReauthReasonExpired)
		}
		return stored.AccessToken, nil
	}

	fresh, err := m.refresh(ctx, accountID, stored.AccessToken, false)
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// refresh rotates the credentials of accountID. Concurrent callers share one
// token endpoint call. stale is the access token the caller saw; when the
// stored token no longer matches it another caller already rotated it.
func (m *Manager) refresh(ctx context.Context, accountID, stale string, force bool) (domain.StoredToken, error) {
	ch := m.group.DoChan(accountID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.doRefresh(rctx, accountID, stale, force)
	})

	select {
	case <-ctx.Done():
		return domain.StoredToken{}, fmt.Errorf("%w: %w", domain.ErrTransient, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return domain.StoredToken{}, res.Err
		}
		return res.Val.(domain.StoredToken), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, accountID, stale string, force bool) (domain.StoredToken, error) {
	ctx, span := m.startSpan(ctx, "TokenManager.refresh")
	defer span.End()

	stored, err := m.load(ctx, accountID)
	if err != nil {
		recordError(span, err)
		return domain.StoredToken{}, err
	}

	now := m.now()
	if stored.AccessToken != stale && (force || !stored.ExpiresWithin(now, m.lead)) {
		return stored, nil
	}
	if !stored.CanRefresh(now) {
		return domain.StoredToken{}, m.requireReauth(ctx, accountID, domain.ReauthReasonExpired)
	}

	set, err := m.refresher.Refresh(ctx, stored.RefreshToken)
	if err != nil {
		recordError(span, err)
		if errors.Is(err, domainoauth.ErrInvalidGrant) {
			m.log().Warn("refresh token rejected", zap.String("account_id", accountID), zap.Error(err))
			return domain.StoredToken{}, m.requireReauth(ctx, accountID, domain.ReauthReasonRevoked)
		}
		if !errors.Is(err, domain.ErrTransient) {
			err = fmt.Errorf("%w: %w", domain.ErrTransient, err)
		}
		m.log().Warn("token refresh failed", zap.String("account_id", accountID), zap.Error(err))
		return domain.StoredToken{}, err
	}

	next := domain.StoredToken{
		AccountID:        accountID,
		Platform:         m.platform,
		AccessToken:      set.AccessToken,
		RefreshToken:     set.RefreshToken,
		AccessExpiresAt:  set.Expiry,
		RefreshExpiresAt: set.RefreshExpiresAt,
		Scopes:           set.Scopes,
		ProviderUserID:   set.UserID,
	}
	if len(next.Scopes) == 0 {
		next.Scopes = stored.Scopes
	}
	if next.ProviderUserID == "" {
		next.ProviderUserID = stored.ProviderUserID
	}
	saved, err := m.tokens.SaveCredentials(ctx, next)
	if err != nil {
		recordError(span, err)
		return domain.StoredToken{}, fmt.Errorf("persist refreshed token: %w", err)
	}

	// A pending reconnect keeps its flag until the user completes it.
	if stored.NeedsReauth {
		if err := m.tokens.MarkNeedsReauth(ctx, accountID, m.platform, stored.ReauthReason); err != nil {
			m.log().Warn("restore reauth flag", zap.String("account_id", accountID), zap.Error(err))
		}
		saved.NeedsReauth = true
		saved.ReauthReason = stored.ReauthReason
	}

	m.audit("token.refreshed",
		"account_id", accountID,
		"access_token", domain.Redact(saved.AccessToken),
		"expires_at", saved.AccessExpiresAt,
	)
	return saved, nil
}

func (m *Manager) requireReauth(ctx context.Context, accountID string, reason domain.ReauthReason) error {
	if err := m.tokens.ClearCredentials(ctx, accountID, m.platform, reason); err != nil {
		m.log().Error("clear credentials", zap.String("account_id", accountID), zap.Error(err))
	}
	m.audit("token.needs_reauth", "account_id", accountID, "reason", string(reason))
	return fmt.Errorf("%w: %s", domain.ErrReauthRequired, reason)
}

func (m *Manager) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (m *Manager) audit(event string, attrs ...any) {
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", m.now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	m.log().Info("audit", fields...)
}

func (m *Manager) log() *zap.Logger {
	if m != nil && m.logger != nil {
		return m.logger
	}
	return zap.L()
}
