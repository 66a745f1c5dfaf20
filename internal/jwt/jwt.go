package jwt

import (
	"errors"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

// RoleAdmin grants access to operator endpoints.
const RoleAdmin = "admin"

// ErrInvalidToken wraps every parse, signature and claim failure.
var ErrInvalidToken = errors.New("invalid token")

// Generator signs and validates operator tokens with a shared HS256 secret.
type Generator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewGenerator constructs a JWT generator. issuer may be empty.
func NewGenerator(secret []byte, issuer string, ttl time.Duration) *Generator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Generator{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}
}

// AdminClaims are the custom claims carried by operator tokens.
type AdminClaims struct {
	Role string `json:"role"`
}

// GenerateToken produces a signed JWT for subject with role.
func (g *Generator) GenerateToken(subject, role string) (string, error) {
	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.HS256, Key: g.secret}, (&gojose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := g.now().UTC()
	stdClaims := gojwt.Claims{
		Subject:   subject,
		Issuer:    g.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(now.Add(g.ttl)),
		NotBefore: gojwt.NewNumericDate(now),
	}

	token, err := gojwt.Signed(signer).Claims(stdClaims).Claims(AdminClaims{Role: role}).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return token, nil
}

// ValidateToken checks the signature, expiry and issuer and returns the claims.
func (g *Generator) ValidateToken(token string) (*gojwt.Claims, *AdminClaims, error) {
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse: %v", ErrInvalidToken, err)
	}

	var std gojwt.Claims
	var custom AdminClaims
	if err := parsed.Claims(g.secret, &std, &custom); err != nil {
		return nil, nil, fmt.Errorf("%w: verify: %v", ErrInvalidToken, err)
	}

	if err := std.ValidateWithLeeway(gojwt.Expected{Issuer: g.issuer, Time: g.now()}, 30*time.Second); err != nil {
		return nil, nil, fmt.Errorf("%w: claims: %v", ErrInvalidToken, err)
	}
	return &std, &custom, nil
}
