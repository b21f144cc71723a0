package storeauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/crypto/hkdf"
)

// SSOProvider is the device-native single-sign-on credential source. It
// yields an identity assertion but never a password, and it discloses email
// and name only on the first-ever sign-in for an identity.
type SSOProvider interface {
	Available() bool
	SignIn(ctx context.Context, scopes []string) (*IdentityAssertion, error)
}

// IdentityAssertion is the result of a platform sign-in. IdentityID is stable
// per device identity; Email and the name fields are present only on the
// first disclosure. IdentityToken optionally carries the provider's signed
// JWT for verification.
type IdentityAssertion struct {
	IdentityID    string
	IdentityToken string
	Email         string
	FirstName     string
	LastName      string
}

// IdentityClaims are the claims inside a provider identity token.
type IdentityClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// VerifyIdentityToken checks the signature and audience of a raw identity
// token against the key set published at jwksURL and returns its claims.
func VerifyIdentityToken(ctx context.Context, raw, jwksURL, audience string) (*IdentityClaims, error) {
	set, err := jwk.Fetch(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("could not fetch provider key set: %w", err)
	}

	claims := &IdentityClaims{}

	_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("identity token has no kid header")
		}

		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("no key %s in provider key set", kid)
		}

		var pub any
		if err := key.Raw(&pub); err != nil {
			return nil, fmt.Errorf("could not load raw key: %w", err)
		}

		return pub, nil
	}, jwt.WithAudience(audience))
	if err != nil {
		return nil, fmt.Errorf("could not verify identity token: %w", err)
	}

	return claims, nil
}

const identityCachePrefix = "apple-identity:"

// IdentityProfile is the cached first-disclosure data for one device
// identity. The provider withholds email and name on every sign-in after the
// first, so this cache is the only subsequent source.
type IdentityProfile struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// IdentityCache persists identity profiles in the token store, keyed by the
// stable device-identity id. Entries never expire; Purge exists for an
// explicit reset path.
type IdentityCache struct {
	store TokenStore
}

func NewIdentityCache(store TokenStore) *IdentityCache {
	return &IdentityCache{store: store}
}

func (c *IdentityCache) Get(identityId string) (*IdentityProfile, bool, error) {
	raw, ok, err := c.store.Get(identityCachePrefix + identityId)
	if err != nil {
		return nil, false, fmt.Errorf("could not read identity cache: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var profile IdentityProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return nil, false, fmt.Errorf("could not unmarshal identity profile: %w", err)
	}

	return &profile, true, nil
}

func (c *IdentityCache) Put(identityId string, profile IdentityProfile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("could not marshal identity profile: %w", err)
	}

	if err := c.store.Set(identityCachePrefix+identityId, string(raw)); err != nil {
		return fmt.Errorf("could not write identity cache: %w", err)
	}

	return nil
}

func (c *IdentityCache) Purge(identityId string) error {
	return c.store.Delete(identityCachePrefix + identityId)
}

// SynthesizePassword derives a deterministic credential from a device
// identity id, scoped to one provider application. The same identity always
// yields the same credential, so the remote account can be re-authenticated
// without storing a real secret. The derived value never leaves the device
// except as the account password.
func SynthesizePassword(identityId, clientId string) (string, error) {
	if identityId == "" {
		return "", fmt.Errorf("no identity id provided")
	}

	salt := sha256.Sum256([]byte(clientId))
	r := hkdf.New(sha256.New, []byte(identityId), salt[:], []byte("storefront-account-credential"))

	out := make([]byte, 24)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("could not derive credential: %w", err)
	}

	// the provider requires a letter and a digit; the suffix guarantees both
	return "A1" + strings.TrimRight(base64.RawURLEncoding.EncodeToString(out), "-_"), nil
}
