package server

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Process tokens scope KV access to one instance. They are minted at claim
// time with the instance id as subject and handed to the agent alongside the
// lease.

const processTokenIssuer = "flowline"

func mintProcessToken(secret, instanceID string, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("token secret not configured")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    processTokenIssuer,
		Subject:   instanceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// verifyProcessToken returns the instance id the token is scoped to.
func verifyProcessToken(secret, token string) (string, error) {
	if secret == "" {
		return "", errors.New("token secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(processTokenIssuer),
	)
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}
