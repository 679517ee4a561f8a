package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestVerify(t *testing.T) {
	valid, err := GenerateToken("user-1", "admin", testSecret, "carebridge", time.Hour)
	require.NoError(t, err)
	expired, err := GenerateToken("user-1", "", testSecret, "carebridge", -time.Minute)
	require.NoError(t, err)
	otherIssuer, err := GenerateToken("user-1", "", testSecret, "elsewhere", time.Hour)
	require.NoError(t, err)
	wrongSecret, err := GenerateToken("user-1", "", "another-secret-another-secret-xx", "carebridge", time.Hour)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "user-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "valid", token: valid},
		{name: "expired", token: expired, wantErr: ErrExpiredToken},
		{name: "wrong issuer", token: otherIssuer, wantErr: ErrInvalidToken},
		{name: "wrong secret", token: wrongSecret, wantErr: ErrInvalidToken},
		{name: "alg none", token: unsigned, wantErr: ErrInvalidToken},
		{name: "garbage", token: "not.a.token", wantErr: ErrInvalidToken},
	}

	v := NewVerifier(testSecret, "carebridge", 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Verify(tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.Principal())
			assert.Equal(t, "admin", claims.Role)
		})
	}
}

func TestVerify_Leeway(t *testing.T) {
	justExpired, err := GenerateToken("user-1", "", testSecret, "", -10*time.Second)
	require.NoError(t, err)

	_, err = NewVerifier(testSecret, "", 0).Verify(justExpired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	claims, err := NewVerifier(testSecret, "", 30*time.Second).Verify(justExpired)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Principal())
}

func TestVerifyHeader(t *testing.T) {
	token, err := GenerateToken("user-2", "", testSecret, "", time.Hour)
	require.NoError(t, err)
	v := NewVerifier(testSecret, "", 0)

	claims, err := v.VerifyHeader("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user-2", claims.UserID)

	_, err = v.VerifyHeader("Basic dXNlcjpwYXNz")
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = v.VerifyHeader("")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "Bearer abc", want: "abc", ok: true},
		{in: "bearer  abc ", want: "abc", ok: true},
		{in: "Bearer ", ok: false},
		{in: "Token abc", ok: false},
		{in: "abc", ok: false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestPrincipalFallsBackToSubject(t *testing.T) {
	c := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1"}}
	assert.Equal(t, "sub-1", c.Principal())
}

func TestGenerateToken_EmptyUser(t *testing.T) {
	_, err := GenerateToken("", "", testSecret, "", time.Hour)
	assert.ErrorIs(t, err, ErrEmptyUserID)
}
