// Package gateway implements the edge: bearer auth with revocation,
// per-subject rate limits, a short-TTL response cache and an
// Upgrade-aware reverse proxy in front of the simulation, signaling and
// document services.
package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/auth"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/faults"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
)

// TokenValidator abstracts token verification so the gateway runs with
// the JWKS validator in production and the mock in development.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// validationCacheCap bounds how long a successful validation is reused.
// The effective TTL is min(remaining token lifetime, this cap).
const validationCacheCap = 60 * time.Second

const revokedKeyPrefix = "revoked:"

// Authenticator validates bearer tokens, consults the revocation
// blacklist and caches successful validations in the substrate.
type Authenticator struct {
	validator TokenValidator
	sub       *substrate.Service
}

// NewAuthenticator wires a validator against the substrate.
func NewAuthenticator(validator TokenValidator, sub *substrate.Service) *Authenticator {
	return &Authenticator{validator: validator, sub: sub}
}

func authCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "cache:auth:" + hex.EncodeToString(sum[:])
}

// extractToken pulls the bearer token from the Authorization header or,
// for WebSocket requests where browsers cannot set headers, the token
// query parameter.
func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// Middleware authenticates every request. On success the claims and
// subject land in the gin context for the rate limiter and cache key
// derivation downstream.
//
// Revocation is checked on every request, even on a validation-cache
// hit, so a blacklisted jti takes effect immediately.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		token := extractToken(c)
		if token == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		claims, cached := a.cachedClaims(c, token)
		if claims == nil {
			var err error
			claims, err = a.validator.ValidateToken(token)
			if err != nil {
				logging.Warn(ctx, "Token validation failed", zap.Error(err))
				abortUnauthorized(c, "invalid token")
				return
			}
			a.cacheClaims(c, token, claims)
		}

		if jti := claims.TokenID(); jti != "" {
			revoked, err := a.sub.Exists(ctx, revokedKeyPrefix+jti)
			if err != nil {
				// Blacklist unreachable: reject rather than honor a
				// possibly revoked token.
				logging.Error(ctx, "Revocation check failed", zap.Error(err))
				writeFault(c, faults.New(faults.KindUnavailable, "revocation check unavailable"))
				return
			}
			if revoked {
				if cached {
					_ = a.sub.Del(ctx, authCacheKey(token))
				}
				abortUnauthorized(c, "token revoked")
				return
			}
		}

		c.Set("claims", claims)
		c.Set("subject", claims.Subject)
		c.Next()
	}
}

// cachedClaims returns previously validated claims for this token, or
// nil on a miss. Cache read failures degrade to a full validation.
func (a *Authenticator) cachedClaims(c *gin.Context, token string) (*auth.CustomClaims, bool) {
	raw, found, err := a.sub.Get(c.Request.Context(), authCacheKey(token))
	if err != nil || !found {
		return nil, false
	}
	var claims auth.CustomClaims
	if err := json.Unmarshal([]byte(raw), &claims); err != nil {
		return nil, false
	}
	return &claims, true
}

// cacheClaims stores a successful validation. Tokens without an expiry
// are never cached; the cache must not outlive the token.
func (a *Authenticator) cacheClaims(c *gin.Context, token string, claims *auth.CustomClaims) {
	remaining := claims.RemainingTTL(time.Now())
	if remaining <= 0 {
		return
	}
	ttl := remaining
	if ttl > validationCacheCap {
		ttl = validationCacheCap
	}
	data, err := json.Marshal(claims)
	if err != nil {
		return
	}
	if err := a.sub.Set(c.Request.Context(), authCacheKey(token), string(data), ttl); err != nil {
		logging.Warn(c.Request.Context(), "Validation cache write failed", zap.Error(err))
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	writeFault(c, faults.New(faults.KindUnauthorized, msg))
}

func writeFault(c *gin.Context, err error) {
	fe := faults.AsError(err)
	c.AbortWithStatusJSON(faults.HTTPStatus(fe.Kind), gin.H{
		"kind":      fe.Kind,
		"message":   fe.Message,
		"retriable": fe.Retriable,
	})
}

var (
	_ TokenValidator = (*auth.Validator)(nil)
	_ TokenValidator = (*auth.MockValidator)(nil)
)
