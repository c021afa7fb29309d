package rest

import (
	"context"
	"sync"

	"github.com/victornm/codeduel/internal/errors"
)

// Credential supplies the token attached to every request.
type Credential interface {
	Token(ctx context.Context) (string, error)
	// Invalidate is called after the server answered 401 for the given token.
	Invalidate(token string)
}

// StaticCredential is a fixed token. Invalidation is a no-op, the next call reuses it.
type StaticCredential string

func (c StaticCredential) Token(context.Context) (string, error) {
	if c == "" {
		return "", errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no credential"))
	}
	return string(c), nil
}

func (StaticCredential) Invalidate(string) {}

// RefreshingCredential obtains a token from Refresh on first use and after invalidation.
type RefreshingCredential struct {
	Refresh func(ctx context.Context) (string, error)

	mu    sync.Mutex
	token string
}

func NewRefreshingCredential(refresh func(ctx context.Context) (string, error)) *RefreshingCredential {
	return &RefreshingCredential{Refresh: refresh}
}

func (c *RefreshingCredential) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		return c.token, nil
	}

	token, err := c.Refresh(ctx)
	if err != nil {
		return "", errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("refresh credential"), errors.WithCause(err))
	}
	c.token = token
	return token, nil
}

// Invalidate drops the cached token only if it is still the one that was rejected.
func (c *RefreshingCredential) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == token {
		c.token = ""
	}
}
