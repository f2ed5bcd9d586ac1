package core

import (
	"context"
	"time"

	"github.com/dkeye/voiced/internal/domain"
)

// Grant is a short-lived credential for one relay session.
type Grant struct {
	ServerURL string
	Token     string
	ExpiresAt time.Time
}

func (g Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

//go:generate mockgen -source=token_iface.go -destination=mocks/token_mock.go -package=mocks

// TokenSource requests relay credentials from the backend.
type TokenSource interface {
	Token(ctx context.Context, channel domain.Channel) (Grant, error)
}
