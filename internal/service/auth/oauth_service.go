package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	oauthadapter "github.com/smallbiznis/valora-storefront/internal/adapter/oauth"
	"github.com/smallbiznis/valora-storefront/internal/config"
	"github.com/smallbiznis/valora-storefront/internal/domain"
	domainoauth "github.com/smallbiznis/valora-storefront/internal/domain/oauth"
	"github.com/smallbiznis/valora-storefront/internal/repository"
)

// OAuthService orchestrates the marketplace connect flow.
type OAuthService interface {
	Start(ctx context.Context, in StartInput) (*StartOutput, error)
	Callback(ctx context.Context, in CallbackInput) (*domain.StoredToken, error)
	Reauthorize(ctx context.Context, in ReauthorizeInput) (*StartOutput, error)
	Disconnect(ctx context.Context, accountID string) error
	Status(ctx context.Context, accountID string) (domain.TokenView, error)
}

// StartInput contains parameters for constructing the authorization URL.
type StartInput struct {
	AccountID string
	Scopes    []string
}

// StartOutput returns the prepared authorization URL and the session handle.
type StartOutput struct {
	SessionID        string
	AuthorizationURL string
	State            string
	ExpiresAt        time.Time
}

// CallbackInput captures callback query parameters and the session cookie.
type CallbackInput struct {
	SessionID        string
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ReauthorizeInput restarts the flow for an already connected account.
type ReauthorizeInput struct {
	AccountID string
	Reason    domain.ReauthReason
	Scopes    []string
}

type oauthService struct {
	sessions       repository.PKCESessionStore
	providerClient oauthadapter.ProviderClient
	tokens         repository.TokenRepository
	redirectURI    string
	scopes         []string
	sessionTTL     time.Duration
	exchangeTTL    time.Duration
	platform       string
	now            func() time.Time
	logger         *zap.Logger
	tracer         trace.Tracer
}

// NewOAuthService wires the connect flow implementation.
func NewOAuthService(
	sessions repository.PKCESessionStore,
	providerClient oauthadapter.ProviderClient,
	tokens repository.TokenRepository,
	cfg config.Config,
	logger *zap.Logger,
) OAuthService {
	ttl := cfg.OAuthSessionTTL
	if ttl <= 0 {
		ttl = sessionTTL
	}
	exchange := cfg.OAuthExchangeTimeout
	if exchange <= 0 {
		exchange = 5 * time.Second
	}
	return &oauthService{
		sessions:       sessions,
		providerClient: providerClient,
		tokens:         tokens,
		redirectURI:    cfg.OAuthRedirectURI,
		scopes:         cfg.OAuthScopes,
		sessionTTL:     ttl,
		exchangeTTL:    exchange,
		platform:       domain.PlatformMarketplace,
		now:            time.Now,
		logger:         logger,
		tracer:         otel.Tracer("github.com/smallbiznis/valora-storefront/internal/service/auth"),
	}
}

const sessionTTL = 10 * time.Minute

func (s *oauthService) Start(ctx context.Context, in StartInput) (*StartOutput, error) {
	return s.start(ctx, in, false)
}

func (s *oauthService) start(ctx context.Context, in StartInput, reauthorize bool) (*StartOutput, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.Start")
	defer span.End()

	accountID := strings.TrimSpace(in.AccountID)
	if accountID == "" {
		return nil, domainoauth.ErrInvalidRequest
	}

	state, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	codeVerifier, err := secureRandomString(64)
	if err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}
	codeChallenge := pkceChallenge(codeVerifier)

	scopes := in.Scopes
	if len(scopes) == 0 {
		scopes = s.scopes
	}

	now := s.now()
	session := domainoauth.PKCESession{
		SessionID:     uuid.NewString(),
		AccountID:     accountID,
		State:         state,
		CodeVerifier:  codeVerifier,
		CodeChallenge: codeChallenge,
		RedirectURI:   s.redirectURI,
		Reauthorize:   reauthorize,
		CreatedAt:     now,
	}
	if err := s.sessions.SaveSession(ctx, session, s.sessionTTL); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("save session: %w", err)
	}

	s.audit("oauth.connect_started", "account_id", accountID, "reauthorize", reauthorize)
	return &StartOutput{
		SessionID:        session.SessionID,
		AuthorizationURL: s.providerClient.AuthCodeURL(state, codeChallenge, s.redirectURI, scopes),
		State:            state,
		ExpiresAt:        now.Add(s.sessionTTL),
	}, nil
}

func (s *oauthService) Callback(ctx context.Context, in CallbackInput) (*domain.StoredToken, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.Callback")
	defer span.End()

	session, cleanup, err := s.loadCallbackSession(ctx, in.SessionID)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return nil, err
	}

	if err := s.validateCallback(session, in); err != nil {
		s.audit("oauth.callback_rejected", "account_id", session.AccountID, "reason", err.Error())
		return nil, err
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, s.exchangeTTL)
	defer cancel()
	set, err := s.providerClient.ExchangeCode(exchangeCtx, in.Code, session.CodeVerifier, session.RedirectURI)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if strings.TrimSpace(set.AccessToken) == "" {
		return nil, fmt.Errorf("%w: empty access token", domainoauth.ErrExchangeFailed)
	}

	saved, err := s.tokens.SaveCredentials(ctx, domain.StoredToken{
		AccountID:        session.AccountID,
		Platform:         s.platform,
		AccessToken:      set.AccessToken,
		RefreshToken:     set.RefreshToken,
		AccessExpiresAt:  set.Expiry,
		RefreshExpiresAt: set.RefreshExpiresAt,
		Scopes:           set.Scopes,
		ProviderUserID:   set.UserID,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist token: %w", err)
	}

	s.audit("oauth.connected",
		"account_id", session.AccountID,
		"provider_user_id", saved.ProviderUserID,
		"reauthorize", session.Reauthorize,
		"access_token", domain.Redact(saved.AccessToken),
	)
	return &saved, nil
}

func (s *oauthService) validateCallback(session *domainoauth.PKCESession, in CallbackInput) error {
	if session.Expired(s.now(), s.sessionTTL) {
		return domainoauth.ErrSessionExpired
	}
	if in.Error != "" {
		return fmt.Errorf("%w: %s", domainoauth.ErrProviderDenied, in.Error)
	}
	// Exact, case-sensitive comparison.
	if in.State == "" || in.State != session.State {
		return domainoauth.ErrStateMismatch
	}
	if strings.TrimSpace(in.Code) == "" {
		return domainoauth.ErrInvalidRequest
	}
	return nil
}

// loadCallbackSession returns a cleanup func whenever a session was found so
// the session is consumed regardless of the outcome.
func (s *oauthService) loadCallbackSession(ctx context.Context, sessionID string) (*domainoauth.PKCESession, func(), error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil, domainoauth.ErrSessionExpired
	}
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, nil, domainoauth.ErrSessionExpired
	}
	cleanup := func() {
		s.deleteSession(context.WithoutCancel(ctx), sessionID)
	}
	return session, cleanup, nil
}

func (s *oauthService) deleteSession(ctx context.Context, sessionID string) {
	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		s.log().Warn("failed to delete pkce session", zap.Error(err))
	}
}

// Reauthorize flags the account and restarts the flow. Existing credentials
// stay usable until the callback stores new ones.
func (s *oauthService) Reauthorize(ctx context.Context, in ReauthorizeInput) (*StartOutput, error) {
	accountID := strings.TrimSpace(in.AccountID)
	if accountID == "" {
		return nil, domainoauth.ErrInvalidRequest
	}
	reason := in.Reason
	if reason == "" {
		reason = domain.ReauthReasonManual
	}
	if !reason.Valid() {
		return nil, domainoauth.ErrInvalidRequest
	}

	if err := s.tokens.MarkNeedsReauth(ctx, accountID, s.platform, reason); err != nil {
		return nil, fmt.Errorf("mark needs reauth: %w", err)
	}
	return s.start(ctx, StartInput{AccountID: accountID, Scopes: in.Scopes}, true)
}

func (s *oauthService) Disconnect(ctx context.Context, accountID string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domainoauth.ErrInvalidRequest
	}
	if err := s.tokens.ClearCredentials(ctx, accountID, s.platform, domain.ReauthReasonManual); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	s.audit("oauth.disconnected", "account_id", accountID)
	return nil
}

func (s *oauthService) Status(ctx context.Context, accountID string) (domain.TokenView, error) {
	stored, err := s.tokens.Get(ctx, accountID, s.platform)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.TokenView{AccountID: accountID, Platform: s.platform, Scopes: []string{}}, nil
	}
	if err != nil {
		return domain.TokenView{}, fmt.Errorf("load token: %w", err)
	}
	return stored.View(), nil
}

func (s *oauthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *oauthService) audit(event string, attrs ...any) {
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	s.log().Info("audit", fields...)
}

func (s *oauthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
