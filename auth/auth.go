// Package auth issues and checks the admin API's JWT bearer tokens
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for a wrong user name or password
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrInvalidToken is returned for missing, expired or forged tokens
var ErrInvalidToken = errors.New("invalid token")

const issuer = "dsrules"

type AuthModule struct {
	adminUser    string
	passwordHash []byte
	JWTSecret    string
	lifetime     time.Duration
	now          func() time.Time
}

// NewAuthModule authenticates a single admin account whose password is
// stored as a bcrypt hash
func NewAuthModule(adminUser, passwordHash, JWTSecret string, lifetime time.Duration) *AuthModule {
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return &AuthModule{
		adminUser:    adminUser,
		passwordHash: []byte(passwordHash),
		JWTSecret:    JWTSecret,
		lifetime:     lifetime,
		now:          time.Now,
	}
}

// HashPassword returns the bcrypt hash to configure as the admin password
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (a *AuthModule) authenticateUser(username, password string) error {
	if len(a.passwordHash) == 0 || a.JWTSecret == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(a.adminUser)) != 1 {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (a *AuthModule) generateJWT(subject string) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.lifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.JWTSecret))
}

// LoginWithJWT checks the credentials and returns a signed token
func (a *AuthModule) LoginWithJWT(_ context.Context, username, password string) (string, error) {
	if err := a.authenticateUser(username, password); err != nil {
		return "", err
	}
	return a.generateJWT(username)
}

// ValidateTokenJWT returns the subject of a valid token. A "Bearer "
// prefix is accepted.
func (a *AuthModule) ValidateTokenJWT(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" || a.JWTSecret == "" {
		return "", ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.JWTSecret), nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", errors.Join(ErrInvalidToken, err)
	}
	return claims.Subject, nil
}
