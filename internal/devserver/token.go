package devserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var errInvalidToken = errors.New("invalid token")

type claims struct {
	Device string `json:"device"`
	jwt.RegisteredClaims
}

// GuestIdentity derives a stable guest identity from a device id, so the
// same device is greeted with the same name across runs.
func GuestIdentity(device string) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(device)).String()
	return "guest-" + id[:8]
}

func (s *Server) issue(identity, device string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.tokenTTL)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Device: device,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// verify returns the identity carried by a token this server issued.
func (s *Server) verify(raw string) (string, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidToken, err)
	}
	if c.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", errInvalidToken)
	}
	return c.Subject, nil
}
