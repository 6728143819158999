package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/wqdsca/police-thief-core/internal/v1/logging"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
)

// Identity is the authenticated principal produced by a Verifier. It is the
// value C2 hands to C5/C6/C8 once a bearer token has been checked.
type Identity struct {
	UserID string
	Name   string
	Roles  []string
}

// HasRole reports whether the identity carries the given role.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// claims is the wire shape of tokens issued and verified by this package.
type claims struct {
	Roles []string `json:"roles,omitempty"`
	Name  string   `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks a bearer token and returns the Identity it carries.
type Verifier interface {
	Verify(tokenString string) (Identity, error)
}

// Validator is a Verifier backed by a rotating JWKS keyset, refreshed in the
// background by the jwx cache so key rotation never stalls a live verify.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience []string
}

// NewValidator builds a Validator that verifies tokens issued for issuer/audience
// using the public keys published at jwksURL. The jwx cache refreshes the keyset
// in the background, so a key rotated on the issuing side is picked up without
// restarting the verifying process.
func NewValidator(ctx context.Context, jwksURL, issuer, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuer,
		audience: []string{audience},
	}, nil
}

// Verify parses and validates a bearer token, returning the Identity it carries.
func (v *Validator) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience[0]),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return Identity{}, errors.New("token is invalid")
	}

	c, ok := token.Claims.(*claims)
	if !ok {
		return Identity{}, errors.New("failed to cast claims")
	}

	return Identity{UserID: c.Subject, Name: c.Name, Roles: c.Roles}, nil
}

// Issuer mints bearer tokens for the RPC Login operation. It holds one active
// signing key at a time; RotateKey swaps in a new key under a new kid without
// invalidating tokens already verified against the old one until the verifying
// side's JWKS cache refreshes and drops it.
type Issuer struct {
	mu       sync.RWMutex
	key      *rsa.PrivateKey
	kid      string
	issuer   string
	audience string
	ttl      time.Duration
}

// NewIssuer builds an Issuer for the given issuer/audience and token lifetime.
func NewIssuer(key *rsa.PrivateKey, kid, issuer, audience string, ttl time.Duration) *Issuer {
	return &Issuer{key: key, kid: kid, issuer: issuer, audience: audience, ttl: ttl}
}

// RotateKey swaps the active signing key. Previously issued tokens remain
// verifiable until the downstream JWKS cache refreshes past their kid.
func (i *Issuer) RotateKey(key *rsa.PrivateKey, kid string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.key = key
	i.kid = kid
}

// Issue signs a token carrying identity, under the currently active key.
func (i *Issuer) Issue(identity Identity) (string, error) {
	i.mu.RLock()
	key, kid := i.key, i.kid
	i.mu.RUnlock()

	now := time.Now()
	c := claims{
		Roles: identity.Roles,
		Name:  identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// JWKSet returns the public half of the active signing key as a JWK set,
// suitable for serving from a /.well-known/jwks.json RPC endpoint.
func (i *Issuer) JWKSet() (jwk.Set, error) {
	i.mu.RLock()
	key, kid := i.key, i.kid
	i.mu.RUnlock()

	pub, err := jwk.FromRaw(key.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to build jwk from public key: %w", err)
	}
	if err := pub.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := pub.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, err
	}
	if err := pub.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return nil, err
	}
	return set, nil
}

// LocalVerifier returns a Verifier that checks tokens against this issuer's
// own public key, for deployments where issuing and verification live in the
// same process and no external JWKS endpoint is involved.
func (i *Issuer) LocalVerifier() Verifier {
	return &localVerifier{issuer: i}
}

type localVerifier struct {
	issuer *Issuer
}

func (v *localVerifier) Verify(tokenString string) (Identity, error) {
	v.issuer.mu.RLock()
	pub := v.issuer.key.Public()
	iss, aud := v.issuer.issuer, v.issuer.audience
	v.issuer.mu.RUnlock()

	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	},
		jwt.WithIssuer(iss),
		jwt.WithAudience(aud),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to parse token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return Identity{}, errors.New("token is invalid")
	}

	return Identity{UserID: c.Subject, Name: c.Name, Roles: c.Roles}, nil
}

func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}

// MockValidator is a development-only Verifier used when auth is skipped. It
// trusts the caller-supplied token and extracts a subject/name from its
// payload without checking a signature, so it must never be wired in
// anywhere but a local/dev deployment.
type MockValidator struct{}

func (m *MockValidator) Verify(tokenString string) (Identity, error) {
	var subject, name string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var raw map[string]interface{}
			if json.Unmarshal(payload, &raw) == nil {
				if sub, ok := raw["sub"].(string); ok {
					subject = sub
				}
				if n, ok := raw["name"].(string); ok {
					name = n
				}
				logging.Info(context.Background(), "MockValidator parsed token", zap.String("subject", subject), zap.String("name", name))
			}
		}
	}

	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}

	return Identity{UserID: subject, Name: name, Roles: []string{"player"}}, nil
}
