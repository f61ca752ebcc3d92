/**
 * @description
 * This file contains custom middleware for the HTTP router: Clerk JWT
 * authentication for end-user routes, the internal API key check for
 * server-to-server routes, and the Redis-backed write rate limit.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and claim validation.
 * - github.com/sirupsen/logrus: Structured logging.
 * - internal/app: RateLimiter contract.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/transfa/escrow-service/internal/app"
	"golang.org/x/sync/singleflight"
)

// UserIDContextKey is a custom type for the context key to avoid collisions.
type UserIDContextKey string

const clerkUserIDKey UserIDContextKey = "clerkUserID"

const (
	jwksCacheTTL = 10 * time.Minute
	// An unknown kid refetches the key set at most this often.
	jwksMinRefetch = 30 * time.Second
)

// AuthConfig configures Clerk token validation. Audience and Issuer are only
// enforced when set.
type AuthConfig struct {
	JWKSURL  string
	Audience string
	Issuer   string
}

// ClerkAuthMiddleware creates a middleware that validates JWT tokens from Clerk.
func ClerkAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	keys := newJWKSCache(cfg.JWKSURL, jwksCacheTTL)

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if aud := strings.TrimSpace(cfg.Audience); aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}
	if iss := strings.TrimSpace(cfg.Issuer); iss != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid Authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return keys.key(r.Context(), kid)
			}, parserOpts...)
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
				return
			}

			userID, err := claims.GetSubject()
			if err != nil || strings.TrimSpace(userID) == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "User ID not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), clerkUserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// An empty requiredKey leaves the route open.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || provided != requiredKey {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware spends one write from the Clerk user's quota per request.
// A nil limiter or disabled quota passes everything through, and limiter errors
// fail open.
func RateLimitMiddleware(limiter app.RateLimiter, quota app.WriteQuota, logger logrus.FieldLogger) func(http.Handler) http.Handler {
	log := logger.WithField("component", "rate_limit")
	return func(next http.Handler) http.Handler {
		if limiter == nil || quota.Limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, _ := GetClerkUserID(r.Context())
			decision, err := limiter.Allow(r.Context(), quota, subject)
			if err != nil {
				log.WithError(err).WithField("scope", quota.Scope).Warn("rate limiter unavailable; allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(quota.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again shortly.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// GetClerkUserID retrieves the Clerk User ID from the request context.
// Handlers should use this function to get the authenticated user's ID.
func GetClerkUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(clerkUserIDKey).(string)
	return userID, ok
}

// jwksCache keeps Clerk's signing keys in memory and refetches them when the
// TTL lapses or an unknown kid shows up (key rotation). Fetches run outside the
// lock and concurrent misses share one request.
type jwksCache struct {
	url        string
	ttl        time.Duration
	minRefetch time.Duration
	client     *http.Client
	group      singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:        url,
		ttl:        ttl,
		minRefetch: jwksMinRefetch,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	age := time.Since(c.fetchedAt)
	loaded := c.keys != nil
	c.mu.RUnlock()

	if ok && age < c.ttl {
		return key, nil
	}
	if !ok && loaded && age < c.minRefetch {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}

	result, err, _ := c.group.Do("jwks", func() (interface{}, error) {
		keys, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys = keys
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return nil, err
	}

	key, ok = result.(map[string]*rsa.PublicKey)[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (c *jwksCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "" && k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return nil, fmt.Errorf("jwks key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, fmt.Errorf("invalid exponent")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}
