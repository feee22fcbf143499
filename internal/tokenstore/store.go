// Package tokenstore persists the dashboard's access token, refresh token
// and cached user profile.
//
// Persistence is best effort. A backend that cannot be read looks like an
// empty store (no session) and failed writes are logged and dropped, so
// losing storage degrades to "logged out" rather than to an error the
// caller has to handle.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"marketplace/dashboard/internal/model"
)

const (
	AccessKey  = "access_token"
	RefreshKey = "refresh_token"
	UserKey    = "user"
)

var Keys = []string{AccessKey, RefreshKey, UserKey}

var ErrNotFound = errors.New("tokenstore: key not found")

// Backend is a raw key-value store. Get returns ErrNotFound for a missing key.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Store struct {
	backend Backend
	logger  *slog.Logger
}

func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger.With("component", "tokenstore")}
}

func (s *Store) Get(ctx context.Context, key string) string {
	if s == nil || s.backend == nil {
		return ""
	}
	value, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("token store read failed", "key", key, "error", err)
		}
		return ""
	}
	return value
}

func (s *Store) Set(ctx context.Context, key, value string) {
	if s == nil || s.backend == nil {
		return
	}
	if err := s.backend.Set(ctx, key, value); err != nil {
		s.logger.Warn("token store write failed", "key", key, "error", err)
	}
}

func (s *Store) Remove(ctx context.Context, key string) {
	if s == nil || s.backend == nil {
		return
	}
	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("token store delete failed", "key", key, "error", err)
	}
}

func (s *Store) AccessToken(ctx context.Context) string {
	return s.Get(ctx, AccessKey)
}

func (s *Store) RefreshToken(ctx context.Context) string {
	return s.Get(ctx, RefreshKey)
}

// SetTokens writes the non-empty members of the pair.
func (s *Store) SetTokens(ctx context.Context, access, refresh string) {
	if access != "" {
		s.Set(ctx, AccessKey, access)
	}
	if refresh != "" {
		s.Set(ctx, RefreshKey, refresh)
	}
}

// Clear removes both tokens and the cached user.
func (s *Store) Clear(ctx context.Context) {
	for _, key := range Keys {
		s.Remove(ctx, key)
	}
}

func (s *Store) CacheUser(ctx context.Context, user *model.User) {
	if user == nil {
		s.Remove(ctx, UserKey)
		return
	}
	data, err := json.Marshal(user)
	if err != nil {
		s.logger.Warn("token store user encode failed", "error", err)
		return
	}
	s.Set(ctx, UserKey, string(data))
}

// CachedUser returns nil when no blob is stored or it no longer decodes.
func (s *Store) CachedUser(ctx context.Context) *model.User {
	raw := s.Get(ctx, UserKey)
	if raw == "" {
		return nil
	}
	var user model.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		s.logger.Warn("token store user decode failed", "error", err)
		return nil
	}
	return &user
}

func (s *Store) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
