package service

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/avdeyev/refreshd/internal/util"
)

var ErrAssertionInvalid = errors.New("identity assertion invalid")

// Identity is what the external identity provider attests to. This service
// never runs the login ceremony itself; it only trusts the signed result.
type Identity struct {
	SubjectID string
	Email     string
	Name      string
}

// IdentityVerifier validates a signed third-party identity assertion and
// yields the attested identity. Used only at first login.
type IdentityVerifier interface {
	Verify(assertion string) (*Identity, error)
}

type assertionClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// HMACIdentityVerifier accepts HS256-signed assertion JWTs minted by the
// identity broker with a shared secret.
type HMACIdentityVerifier struct {
	secret []byte
}

func NewHMACIdentityVerifier(cfg *util.IdentityConfig) *HMACIdentityVerifier {
	return &HMACIdentityVerifier{secret: cfg.AssertionSecret}
}

func (v *HMACIdentityVerifier) Verify(assertion string) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(
		assertion,
		&assertionClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, ErrInvalidSigningMethod
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(util.JWTLeeWay),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssertionInvalid, err)
	}

	claims, ok := parsed.Claims.(*assertionClaims)
	if !ok || claims.Subject == "" {
		return nil, ErrAssertionInvalid
	}

	return &Identity{
		SubjectID: claims.Subject,
		Email:     claims.Email,
		Name:      claims.Name,
	}, nil
}
