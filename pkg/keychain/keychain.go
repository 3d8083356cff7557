// Package keychain signs and verifies access tokens for result endpoints.
//
// Keys are HMAC-SHA256 secrets read from a file. Rotating the file
// rotates the key; see pkg/utils/filewatch for reacting to that.
package keychain

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// keys shorter than this are refused. 256 bits, as the algorithm name says.
const MinKeyLen = 32

// Key signs and verifies tokens.
type Key interface {
	// Name of the algorithm.
	Alg() string

	// Key to sign messages.
	ToSign() any

	// Key to verify messages.
	ToVerify() any

	// Equal returns true if the key is equal to the other key.
	Equal(k Key) bool
}

type hs256Key struct {
	secret []byte
}

func (*hs256Key) Alg() string {
	return jwt.SigningMethodHS256.Name
}

func (hk *hs256Key) ToSign() any {
	return hk.secret
}

func (hk *hs256Key) ToVerify() any {
	return hk.secret
}

func (hk *hs256Key) Equal(k Key) bool {
	other, ok := k.(*hs256Key)
	if !ok {
		return false
	}
	return bytes.Equal(hk.secret, other.secret)
}

// HS256 wraps a raw secret as a Key.
func HS256(secret []byte) (Key, error) {
	if len(secret) < MinKeyLen {
		return nil, fmt.Errorf("key is too short: %d bytes (< %d)", len(secret), MinKeyLen)
	}
	return &hs256Key{secret: secret}, nil
}

// Load reads a key from a file.
func Load(path string) (Key, error) {
	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return HS256(bytes.TrimSpace(secret))
}

// Generate makes a fresh random key.
func Generate() (Key, error) {
	secret := make([]byte, MinKeyLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return &hs256Key{secret: secret}, nil
}

// ResultClaims is the claim set of a result-access token.
type ResultClaims struct {
	jwt.RegisteredClaims

	// suite version whose results the bearer may read.
	// Empty means every version.
	Version string `json:"version,omitempty"`
}

// Covers reports whether the claims allow reading results of version.
func (c *ResultClaims) Covers(version string) bool {
	return c.Version == "" || c.Version == version
}

// Issue signs a result-access token for the given suite version.
func Issue(k Key, version string, ttl time.Duration) (string, error) {
	now := time.Now()
	return NewJWS(k, &ResultClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "confrun",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Version: version,
	})
}

// NewJWS signs claims and returns a JWS token string.
func NewJWS[C jwt.Claims](k Key, claims C) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(k.ToSign())
}

// VerifyJWS verifies a JWS token and returns the claims.
//
// The type C should be a pointer to a struct implementing [jwt.Claims].
//
// # Returns
//
// - C: claims carried by the token.
//
// - error: [ErrInvalidToken] when the token is malformed, badly signed
// or expired; any other errors come from [jwt.ParseWithClaims].
func VerifyJWS[C jwt.Claims](k Key, token string) (C, error) {
	_c := *new(C)
	{
		rc := reflect.ValueOf(_c)
		if rc.Kind() != reflect.Ptr {
			return *new(C), errors.New("claims type must be a pointer")
		}
		val := reflect.New(rc.Type().Elem()).Interface()
		_c = val.(C)
	}

	tok, err := jwt.ParseWithClaims(token, _c, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != k.Alg() {
			return nil, fmt.Errorf("%w: unexpected algorithm: %s", ErrInvalidToken, t.Method.Alg())
		}
		return k.ToVerify(), nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed),
			errors.Is(err, jwt.ErrSignatureInvalid),
			errors.Is(err, jwt.ErrTokenExpired):
			return *new(C), errors.Join(ErrInvalidToken, err)
		}
		return *new(C), err
	}

	if c, ok := tok.Claims.(C); ok {
		return c, nil
	}
	return *new(C), fmt.Errorf("%w: unexpected claims type: %T", ErrInvalidToken, tok.Claims)
}
