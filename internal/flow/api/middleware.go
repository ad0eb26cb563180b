/**
 * @description
 * This file contains the PSU authentication middleware of the flow-service. Bearer
 * tokens issued by the identity provider are validated against its JWKS endpoint and
 * the subject becomes the PSU id of the request.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and RSA signature validation.
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
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PsuIDContextKey is a custom type for the context key to avoid collisions.
type PsuIDContextKey string

const psuIDKey PsuIDContextKey = "psuID"

// PsuIDHeader carries the PSU id when no identity provider is configured.
const PsuIDHeader = "PSU-ID"

// PsuAuthMiddleware resolves the PSU of each request. With a JWKS URL the PSU comes from the
// bearer token; without one the PSU-ID header is trusted, which is only meant for local demos.
// A non-empty audience or issuer must match the token's aud or iss claim.
func PsuAuthMiddleware(jwksURL, audience, issuer string) func(http.Handler) http.Handler {
	jwksURL = strings.TrimSpace(jwksURL)
	audience = strings.TrimSpace(audience)
	issuer = strings.TrimSpace(issuer)
	keys := newJWKSCache(jwksURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if jwksURL == "" {
				psuID := strings.TrimSpace(r.Header.Get(PsuIDHeader))
				if psuID == "" {
					writeError(w, http.StatusUnauthorized, "PSU_ID_REQUIRED", "PSU-ID header required")
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), psuIDKey, psuID)))
				return
			}

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

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return keys.key(r.Context(), kid)
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token claims")
				return
			}

			// Optional audience / issuer enforcement via KEYCLOAK_AUDIENCE and KEYCLOAK_ISSUER
			if audience != "" && !hasAudience(claims, audience) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token audience")
				return
			}
			if issuer != "" {
				if iss, _ := claims["iss"].(string); iss != issuer {
					writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token issuer")
					return
				}
			}

			psuID := psuIDFromClaims(claims)
			if psuID == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "PSU not found in token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), psuIDKey, psuID)))
		})
	}
}

// Keycloak sends aud as a string or as an array of client ids.
func hasAudience(claims jwt.MapClaims, audience string) bool {
	auds, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, aud := range auds {
		if aud == audience {
			return true
		}
	}
	return false
}

// Keycloak puts the login name in preferred_username; sub is the fallback.
func psuIDFromClaims(claims jwt.MapClaims) string {
	if name, ok := claims["preferred_username"].(string); ok && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	if sub, ok := claims["sub"].(string); ok {
		return strings.TrimSpace(sub)
	}
	return ""
}

// GetPsuID retrieves the PSU id set by PsuAuthMiddleware.
func GetPsuID(ctx context.Context) (string, bool) {
	psuID, ok := ctx.Value(psuIDKey).(string)
	return psuID, ok && psuID != ""
}

// jwksCache holds the provider keys and refetches them when an unknown kid shows up.
type jwksCache struct {
	url        string
	httpClient *http.Client
	mu         sync.Mutex
	keys       map[string]*rsa.PublicKey
	fetchedAt  time.Time
	minRefresh time.Duration
}

func newJWKSCache(url string) *jwksCache {
	return &jwksCache{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keys:       make(map[string]*rsa.PublicKey),
		minRefresh: 30 * time.Second,
	}
}

func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.minRefresh {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (c *jwksCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
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
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

// parseRSAPublicKey parses an RSA public key from its base64url modulus and exponent.
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
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}
