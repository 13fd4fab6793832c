package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleOperator grants access to the support-desk routes.
const RoleOperator = "operator"

var ErrNotOperator = errors.New("token does not carry the operator role")

type operatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateOperatorToken signs an HS256 token for the given subject and role.
func GenerateOperatorToken(secret, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &operatorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseOperatorToken validates the token and returns its subject when it carries the operator role.
func ParseOperatorToken(secret, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &operatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*operatorClaims)
	if !ok || !token.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	if claims.Role != RoleOperator {
		return "", ErrNotOperator
	}
	return claims.Subject, nil
}
