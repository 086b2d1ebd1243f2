package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenLifetime = 60 * time.Second

// SignToken produces the short-lived handshake token a device presents
// when connecting. The device's shared credential is the HMAC key, so
// possession of the credential is what is proven.
func SignToken(deviceID, credential string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(credential))
	if err != nil {
		return "", fmt.Errorf("failed to sign handshake token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks the handshake token against the registered
// credential and the claimed device id.
func VerifyToken(tokenString, deviceID, credential string) error {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(credential), nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return ErrUnauthorized
	}
	if claims.Subject != deviceID {
		return fmt.Errorf("%w: token subject %q does not match device %q", ErrUnauthorized, claims.Subject, deviceID)
	}
	return nil
}
