package middleware

import (
	"context"

	"github.com/rs/zerolog"

	"dsrules/internal/logging"
)

// TokenValidator checks a bearer token and returns its subject
type TokenValidator interface {
	ValidateTokenJWT(ctx context.Context, token string) (string, error)
}

type MiddlewareManager struct {
	auth TokenValidator
	log  zerolog.Logger
}

func NewMiddlewareManager(auth TokenValidator) *MiddlewareManager {
	return &MiddlewareManager{
		auth: auth,
		log:  logging.Component("http"),
	}
}
