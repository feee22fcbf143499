// Package session owns the dashboard's single admin session.
//
// A Controller starts in Unknown and resolves to Authenticated or
// Unauthenticated through CheckAuth, LoginUser or Login. Any identity that
// cannot be proved (no token, undecodable token, no user id) is treated
// the same as an explicit logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketplace/dashboard/internal/apiclient"
	"marketplace/dashboard/internal/authapi"
	"marketplace/dashboard/internal/jwtclaims"
	"marketplace/dashboard/internal/model"
	"marketplace/dashboard/internal/tokenstore"
)

var (
	ErrNoAccessToken      = errors.New("failed to obtain access token")
	ErrIdentityUnresolved = errors.New("unable to verify user")
	ErrNotAdmin           = errors.New("only admin users are allowed to log in to this dashboard")
	ErrSessionExpired     = errors.New("session expired")
)

type Controller struct {
	client *apiclient.Client
	auth   *authapi.Service
	store  *tokenstore.Store
	logger *slog.Logger

	mu    sync.RWMutex
	state State

	subMu       sync.Mutex
	nextSubID   int
	subscribers map[int]func(State)
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(client *apiclient.Client, auth *authapi.Service, store *tokenstore.Store, opts ...Option) *Controller {
	c := &Controller{
		client:      client,
		auth:        auth,
		store:       store,
		logger:      slog.Default(),
		state:       loadingState(),
		subscribers: map[int]func(State){},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "session")
	client.OnSessionExpired(c.expire)
	return c
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribe calls fn after every state change. The returned func removes
// the subscription.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subscribers, id)
	}
}

// CheckAuth resolves the session from the stored access token.
func (c *Controller) CheckAuth(ctx context.Context) State {
	access := c.store.AccessToken(ctx)
	if access == "" {
		c.setState(unauthenticatedState(c.State().Reason))
		return c.State()
	}

	// Requests issued while the profile loads must already carry the token.
	c.client.SetDefaultAuthorization(access)

	userID, ok := decodeUserID(access)
	if !ok {
		c.logger.Warn("stored access token has no usable user id")
		c.end(ctx, ReasonIdentity)
		return c.State()
	}

	user, err := c.fetchUser(ctx, userID)
	if err != nil {
		if c.store.AccessToken(ctx) == "" {
			// The refresh path gave up and already ended the session.
			return c.State()
		}
		c.logger.Warn("profile fetch failed, keeping session", "user_id", userID, "error", err)
		current := c.State().User
		if current == nil {
			if cached := c.store.CachedUser(ctx); cached != nil && cached.ID == userID {
				current = cached
			}
		}
		c.setState(authenticatedState(current))
		return c.State()
	}

	c.store.CacheUser(ctx, user)
	c.setState(authenticatedState(user))
	return c.State()
}

// LoginUser obtains tokens for the credentials and admits only admins.
func (c *Controller) LoginUser(ctx context.Context, username, password string) error {
	pair, err := c.auth.ObtainToken(ctx, username, password)
	if err != nil {
		return err
	}
	if pair.Access == "" {
		return ErrNoAccessToken
	}
	c.client.SetDefaultAuthorization(pair.Access)

	userID, ok := decodeUserID(pair.Access)
	if !ok {
		state := c.CheckAuth(ctx)
		if state.User == nil {
			return ErrIdentityUnresolved
		}
		return c.admit(ctx, state.User)
	}

	user, err := c.fetchUser(ctx, userID)
	if err != nil {
		c.discardTokens(ctx)
		return err
	}
	return c.admit(ctx, user)
}

// Login adopts a token pair obtained elsewhere and resolves the user.
func (c *Controller) Login(ctx context.Context, access, refresh string) State {
	c.store.Set(ctx, tokenstore.AccessKey, access)
	c.store.Set(ctx, tokenstore.RefreshKey, refresh)
	return c.CheckAuth(ctx)
}

// Logout purges the stored session. Calling it while already logged out
// changes nothing.
func (c *Controller) Logout(ctx context.Context) {
	c.discardTokens(ctx)
	if current := c.State(); current.Phase == Unauthenticated && current.User == nil {
		return
	}
	c.setState(unauthenticatedState(ReasonLoggedOut))
	c.logger.Info("logged out")
}

func (c *Controller) admit(ctx context.Context, user *model.User) error {
	if !user.IsAdmin() {
		c.logger.Warn("rejected non-admin login", "user_id", user.ID, "role", user.Role)
		c.discardTokens(ctx)
		c.setState(unauthenticatedState(c.State().Reason))
		return ErrNotAdmin
	}
	c.store.CacheUser(ctx, user)
	c.setState(authenticatedState(user))
	c.logger.Info("admin logged in", "user_id", user.ID, "username", user.Username)
	return nil
}

// expire runs after the API client failed to refresh. The store is
// already purged.
func (c *Controller) expire(err error) {
	c.logger.Info("session expired", "error", err)
	c.setState(unauthenticatedState(ReasonExpired))
}

func (c *Controller) end(ctx context.Context, reason Reason) {
	c.discardTokens(ctx)
	c.setState(unauthenticatedState(reason))
}

func (c *Controller) discardTokens(ctx context.Context) {
	c.client.EndSession(ctx)
}

func (c *Controller) fetchUser(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	if err := c.client.Get(ctx, fmt.Sprintf("/users/%d/", id), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	c.subMu.Lock()
	subscribers := make([]func(State), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subscribers = append(subscribers, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subscribers {
		fn(next)
	}
}

func decodeUserID(token string) (int64, bool) {
	claims, err := jwtclaims.Decode(token)
	if err != nil {
		return 0, false
	}
	return claims.UserIDInt()
}

// TokenInfo is what the stored access token says about itself. It is read
// without verifying the signature and is for display only.
type TokenInfo struct {
	UserID    string     `json:"user_id,omitempty"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	AdminHint bool       `json:"admin_hint"`
}

// TokenInfo decodes the stored access token. ok is false when there is no
// token or it cannot be decoded.
func (c *Controller) TokenInfo(ctx context.Context) (TokenInfo, bool) {
	access := c.store.AccessToken(ctx)
	if access == "" {
		return TokenInfo{}, false
	}
	claims, err := jwtclaims.Decode(access)
	if err != nil {
		return TokenInfo{}, false
	}
	info := TokenInfo{UserID: claims.UserID, AdminHint: claims.IsAdminHint()}
	if at := claims.IssuedAt(); !at.IsZero() {
		info.IssuedAt = &at
	}
	if at := claims.ExpiresAt(); !at.IsZero() {
		info.ExpiresAt = &at
	}
	return info, true
}
