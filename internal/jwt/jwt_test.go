package jwt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestGeneratorRoundTrip(t *testing.T) {
	generator := NewGenerator(testSecret, "https://ops.valora", time.Hour)

	token, err := generator.GenerateToken("operator-7", RoleAdmin)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, custom, err := generator.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "operator-7", claims.Subject)
	require.Equal(t, RoleAdmin, custom.Role)
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	generator := NewGenerator(testSecret, "https://ops.valora", time.Hour)
	token, err := generator.GenerateToken("operator-7", RoleAdmin)
	require.NoError(t, err)

	other := NewGenerator([]byte("ffffffffffffffffffffffffffffffff"), "https://ops.valora", time.Hour)
	_, _, err = other.ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := NewGenerator(testSecret, "https://elsewhere", time.Hour)
	_, _, err = wrongIssuer.ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	_, _, err = generator.ValidateToken(parts[0] + "." + parts[1] + ".")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = generator.ValidateToken("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpiredTokens(t *testing.T) {
	generator := NewGenerator(testSecret, "", time.Minute)
	issued := time.Now().Add(-time.Hour)
	generator.now = func() time.Time { return issued }

	token, err := generator.GenerateToken("operator-7", RoleAdmin)
	require.NoError(t, err)

	generator.now = time.Now
	_, _, err = generator.ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
