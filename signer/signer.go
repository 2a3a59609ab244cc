// Package signer provides the RS256 token issuer and its JWKS publication.
//
// Signing is a pure function of claims plus the active key. The key set is
// read-mostly after startup: rotation appends a new active key while old
// keys remain in the JWKS until every token they signed has expired.
package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	identityd "github.com/eduardomb-aw/identityd"
)

// Signer issues RS256-signed JWTs and exposes the matching public keys.
type Signer struct {
	mu     sync.RWMutex
	keys   []*signingKey // last entry is the active key
	byKid  map[string]*signingKey
	parser *jwt.Parser
}

type signingKey struct {
	kid string
	key *rsa.PrivateKey
}

// compile-time check
var _ identityd.TokenSigner = (*Signer)(nil)

// Option configures the Signer.
type Option func(*options)

type options struct {
	keys []*signingKey
	bits int
}

// WithPrivateKey adds a signing key with an explicit key ID. The last key
// added becomes the active one.
func WithPrivateKey(kid string, key *rsa.PrivateKey) Option {
	return func(o *options) {
		o.keys = append(o.keys, &signingKey{kid: kid, key: key})
	}
}

// WithPrivateKeyPEM adds a PKCS#1 or PKCS#8 PEM-encoded RSA key.
func WithPrivateKeyPEM(kid string, pemBytes []byte) Option {
	return func(o *options) {
		key, err := parseRSAPrivateKeyPEM(pemBytes)
		if err != nil {
			// surfaced by New: a nil key entry fails validation
			o.keys = append(o.keys, &signingKey{kid: kid})
			return
		}
		o.keys = append(o.keys, &signingKey{kid: kid, key: key})
	}
}

// WithKeySize sets the RSA modulus size for generated keys. Default: 2048.
func WithKeySize(bits int) Option {
	return func(o *options) { o.bits = bits }
}

// New creates a Signer. Without a WithPrivateKey option a fresh RSA key is
// generated with a random key ID; dev deployments rely on this, production
// passes a persisted key so tokens survive restarts.
func New(opts ...Option) (*Signer, error) {
	o := &options{bits: 2048}
	for _, opt := range opts {
		opt(o)
	}

	if len(o.keys) == 0 {
		key, err := rsa.GenerateKey(rand.Reader, o.bits)
		if err != nil {
			return nil, fmt.Errorf("signer: generate key: %w", err)
		}
		o.keys = append(o.keys, &signingKey{kid: uuid.NewString(), key: key})
	}

	s := &Signer{
		byKid:  make(map[string]*signingKey, len(o.keys)),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})),
	}
	for _, k := range o.keys {
		if k.kid == "" || k.key == nil {
			return nil, fmt.Errorf("signer: invalid signing key (kid %q)", k.kid)
		}
		if _, dup := s.byKid[k.kid]; dup {
			return nil, fmt.Errorf("signer: duplicate key ID %q", k.kid)
		}
		s.keys = append(s.keys, k)
		s.byKid[k.kid] = k
	}
	return s, nil
}

// Sign returns a compact JWT over the claims, signed with the active key.
// The key ID travels in the token header.
func (s *Signer) Sign(claims map[string]any) (string, error) {
	s.mu.RLock()
	active := s.keys[len(s.keys)-1]
	s.mu.RUnlock()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(claims))
	token.Header["kid"] = active.kid

	signed, err := token.SignedString(active.key)
	if err != nil {
		return "", fmt.Errorf("signer: sign: %w", err)
	}
	return signed, nil
}

// Rotate generates a new active key. Previous keys stay in the JWKS so
// outstanding tokens keep verifying until they expire.
func (s *Signer) Rotate() (kid string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", fmt.Errorf("signer: rotate: %w", err)
	}
	kid = uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	nk := &signingKey{kid: kid, key: key}
	s.keys = append(s.keys, nk)
	s.byKid[kid] = nk
	return kid, nil
}

// ActiveKeyID returns the key ID new tokens are signed with.
func (s *Signer) ActiveKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[len(s.keys)-1].kid
}

// Verify parses and validates a token issued by this signer and returns its
// claims. Used by the userinfo endpoint and by tests; relying parties
// verify against the published JWKS instead.
func (s *Signer) Verify(tokenString string) (map[string]any, error) {
	token, err := s.parser.Parse(tokenString, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		s.mu.RLock()
		defer s.mu.RUnlock()
		k, ok := s.byKid[kid]
		if !ok {
			return nil, fmt.Errorf("signer: unknown key ID %q", kid)
		}
		return &k.key.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("signer: verify: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("signer: invalid token claims")
	}
	return map[string]any(claims), nil
}

// JWKS JSON types (RFC 7517).

// JWKS is the published JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is a single RSA signing key in JWKS encoding.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS returns every key in the set, oldest first.
func (s *Signer) JWKS() JWKS {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := JWKS{Keys: make([]JWK, 0, len(s.keys))}
	for _, k := range s.keys {
		pub := &k.key.PublicKey
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: k.kid,
			Alg: jwt.SigningMethodRS256.Alg(),
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return set
}

func parseRSAPrivateKeyPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("signer: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signer: key is not RSA")
	}
	return key, nil
}
