package auth

import (
	"context"
	"errors"

	"github.com/zep-us/reauthxy/internal/resender"
)

// StaticName is the registry name of the static authenticator
const StaticName = "static"

// StaticAuthenticator "authenticates" by publishing a fixed token
type StaticAuthenticator struct {
	store      *TokenStore
	protection resender.Protection
}

// NewStaticAuthenticator creates an authenticator that always yields token under headerName
func NewStaticAuthenticator(store *TokenStore, headerName, token string) *StaticAuthenticator {
	return &StaticAuthenticator{
		store:      store,
		protection: resender.Protection{HeaderName: headerName, Token: token},
	}
}

func newStaticFromOptions(opts Options) (resender.Authenticator, error) {
	if opts.StaticToken == "" {
		return nil, errors.New("static authenticator requires a token")
	}
	return NewStaticAuthenticator(opts.Store, opts.HeaderName, opts.StaticToken), nil
}

// Authenticate stores the configured token and returns it
func (a *StaticAuthenticator) Authenticate(ctx context.Context) (resender.Protection, error) {
	if err := ctx.Err(); err != nil {
		return resender.Protection{}, err
	}
	a.store.Update(a.protection)
	return a.store.CurrentProtection(), nil
}
