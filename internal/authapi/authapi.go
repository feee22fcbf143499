// Package authapi wraps the backend's token issuance and refresh endpoints.
package authapi

import (
	"context"
	"errors"
	"fmt"

	"marketplace/dashboard/internal/apiclient"
	"marketplace/dashboard/internal/model"
	"marketplace/dashboard/internal/tokenstore"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrServerUnreachable  = errors.New("cannot reach server")
)

type Service struct {
	client *apiclient.Client
	store  *tokenstore.Store
}

func New(client *apiclient.Client, store *tokenstore.Store) *Service {
	return &Service{client: client, store: store}
}

type obtainRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// ObtainToken exchanges credentials for a token pair and stores whichever
// tokens the backend returned.
func (s *Service) ObtainToken(ctx context.Context, username, password string) (model.TokenPair, error) {
	var pair model.TokenPair
	err := s.client.Post(ctx, apiclient.TokenPath, obtainRequest{Username: username, Password: password}, &pair)
	if err != nil {
		return model.TokenPair{}, classify(err)
	}
	s.store.SetTokens(ctx, pair.Access, pair.Refresh)
	return pair, nil
}

// RefreshToken trades refresh for a new access token. A rotated refresh
// token, when the backend sends one, replaces the stored one.
func (s *Service) RefreshToken(ctx context.Context, refresh string) (model.TokenPair, error) {
	var pair model.TokenPair
	if err := s.client.Post(ctx, apiclient.TokenRefreshPath, refreshRequest{Refresh: refresh}, &pair); err != nil {
		return model.TokenPair{}, classify(err)
	}
	s.store.SetTokens(ctx, pair.Access, pair.Refresh)
	return pair, nil
}

func classify(err error) error {
	switch {
	case apiclient.IsUnauthorized(err):
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	case apiclient.IsNetwork(err):
		return fmt.Errorf("%w: %w", ErrServerUnreachable, err)
	default:
		return err
	}
}
