package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/remote-exercises/ref-core/internal/instance"
)

var ErrUnverifiedRequest = errors.New("request could not be verified")

// InstanceClaims is the signed body of a request sent from inside an
// instance. It is signed with the key the instance finds in /etc/key.
type InstanceClaims struct {
	InstanceID int64   `json:"instance_id"`
	TestRet    *int    `json:"test_ret,omitempty"`
	TestLog    *string `json:"test_log,omitempty"`
	jwt.RegisteredClaims
}

// RequestVerifier authenticates requests made by scripts inside an instance.
type RequestVerifier interface {
	Verify(token string) (*InstanceClaims, error)
}

type tokenVerifier struct {
	secret string
	maxAge time.Duration
	now    func() time.Time
}

// NewTokenVerifier accepts HS256 tokens keyed with the per-instance key of
// the instance they name, issued no longer than maxAge ago.
func NewTokenVerifier(secret string, maxAge time.Duration) RequestVerifier {
	return &tokenVerifier{secret: secret, maxAge: maxAge, now: time.Now}
}

func (v *tokenVerifier) Verify(token string) (*InstanceClaims, error) {
	claims := &InstanceClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*InstanceClaims)
		if !ok || c.InstanceID <= 0 {
			return nil, errors.New("missing instance id")
		}
		return instance.InstanceKey(v.secret, c.InstanceID), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnverifiedRequest, err)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing issue time", ErrUnverifiedRequest)
	}
	if age := v.now().Sub(claims.IssuedAt.Time); age > v.maxAge {
		return nil, fmt.Errorf("%w: issued %s ago", ErrUnverifiedRequest, age.Round(time.Second))
	}
	return claims, nil
}
