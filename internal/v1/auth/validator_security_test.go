package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jwksFixture serves a single RSA public key over a TLS JWKS endpoint
// and returns a validator wired against it plus the signing key.
func jwksFixture(t *testing.T, audience string) (*Validator, *rsa.PrivateKey, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(&privateKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "sim-key-1"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, key.Set(jwk.KeyUsageKey, "sig"))

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		buf, _ := json.Marshal(map[string]interface{}{"keys": []interface{}{key}})
		_, _ = w.Write(buf)
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	domain := u.Host

	v, err := NewValidator(context.Background(), domain, audience, jwk.WithHTTPClient(server.Client()))
	require.NoError(t, err)
	return v, privateKey, domain
}

func TestValidator_AcceptsProperlySignedToken(t *testing.T) {
	v, privateKey, domain := jwksFixture(t, "cosim-api")

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": "cosim-api",
		"iss": "https://" + domain + "/",
		"sub": "operator-1",
		"jti": "tok-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "sim-key-1"
	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	claims, err := v.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Subject)
	assert.Equal(t, "tok-1", claims.TokenID())
}

// An HS256 token signed with a secret the attacker controls must be
// rejected on the signing method, never by attempting HMAC verification
// against the published RSA key.
func TestValidator_RejectsAlgorithmConfusion(t *testing.T) {
	v, _, domain := jwksFixture(t, "cosim-api")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": "cosim-api",
		"iss": "https://" + domain + "/",
		"sub": "attacker",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "sim-key-1"
	signed, err := token.SignedString([]byte("attacker-secret"))
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing method")
}

func TestValidator_RejectsUnsignedToken(t *testing.T) {
	v, _, domain := jwksFixture(t, "cosim-api")

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"aud": "cosim-api",
		"iss": "https://" + domain + "/",
		"sub": "attacker",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "sim-key-1"
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidator_RejectsWrongAudience(t *testing.T) {
	v, privateKey, domain := jwksFixture(t, "cosim-api")

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": "some-other-api",
		"iss": "https://" + domain + "/",
		"sub": "operator-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "sim-key-1"
	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}
