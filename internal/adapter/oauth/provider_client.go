package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/smallbiznis/valora-storefront/internal/domain"
	domainoauth "github.com/smallbiznis/valora-storefront/internal/domain/oauth"
)

// ProviderClient encapsulates outbound calls to the marketplace authorization server.
type ProviderClient interface {
	AuthCodeURL(state, codeChallenge, redirectURI string, scopes []string) string
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*domainoauth.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*domainoauth.TokenSet, error)
}

// ProviderConfig describes the OAuth client registration.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
}

// HTTPProviderClient is the default golang.org/x/oauth2 implementation.
type HTTPProviderClient struct {
	cfg        ProviderConfig
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient. The client
// timeout bounds every token endpoint call.
func NewHTTPProviderClient(cfg ProviderConfig, client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{cfg: cfg, httpClient: client}
}

func (c *HTTPProviderClient) config(redirectURI string, scopes []string) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = c.cfg.Scopes
	}
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.cfg.AuthURL,
			TokenURL:  c.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL builds the authorization URL with the S256 challenge embedded.
func (c *HTTPProviderClient) AuthCodeURL(state, codeChallenge, redirectURI string, scopes []string) string {
	return c.config(redirectURI, scopes).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode performs the authorization_code grant with the PKCE verifier.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*domainoauth.TokenSet, error) {
	if strings.TrimSpace(c.cfg.TokenURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.config(redirectURI, nil).Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		if isTerminal(err) {
			return nil, fmt.Errorf("%w: %w", domainoauth.ErrExchangeFailed, err)
		}
		return nil, fmt.Errorf("%w: token exchange: %w", domain.ErrTransient, err)
	}
	return tokenSet(token), nil
}

// Refresh performs the refresh_token grant.
func (c *HTTPProviderClient) Refresh(ctx context.Context, refreshToken string) (*domainoauth.TokenSet, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, domainoauth.ErrInvalidGrant
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	// An expired token forces the source to call the token endpoint.
	src := c.config("", nil).TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	token, err := src.Token()
	if err != nil {
		if isTerminal(err) {
			return nil, fmt.Errorf("%w: %w", domainoauth.ErrInvalidGrant, err)
		}
		return nil, fmt.Errorf("%w: token refresh: %w", domain.ErrTransient, err)
	}
	set := tokenSet(token)
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	return set, nil
}

// isTerminal reports token endpoint rejections that a retry cannot fix.
func isTerminal(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client", "invalid_request":
		return true
	}
	if re.Response == nil {
		return false
	}
	switch re.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func tokenSet(token *oauth2.Token) *domainoauth.TokenSet {
	set := &domainoauth.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
		Scopes:       splitScopes(stringValue(token.Extra("scope"))),
		UserID:       idValue(token.Extra("user_id")),
	}
	if secs := int64Value(token.Extra("refresh_token_expires_in")); secs > 0 {
		expires := time.Now().Add(time.Duration(secs) * time.Second)
		set.RefreshExpiresAt = &expires
	}
	return set
}

func splitScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// idValue renders numeric ids without exponent or fraction.
func idValue(input any) string {
	switch v := input.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return strings.TrimSpace(stringValue(input))
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
