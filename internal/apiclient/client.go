// Package apiclient is the single request pipeline to the marketplace
// backend.
//
// Every call goes through two steps. Before sending, the stored access
// token is attached as a bearer header, except on the token endpoints.
// After receiving, a 401 triggers one refresh of the access token and one
// replay of the request; a second 401 is returned to the caller.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"marketplace/dashboard/internal/tokenstore"
)

const (
	TokenPath        = "/token/"
	TokenRefreshPath = "/token/refresh/"

	RequestIDHeader = "X-Request-ID"
)

type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}
	Header http.Header
}

type Client struct {
	baseURL    string
	store      *tokenstore.Store
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer

	headerMu      sync.RWMutex
	defaultHeader http.Header

	refreshGroup singleflight.Group
	// sessionMu orders EndSession against a refresh storing its result.
	sessionMu sync.Mutex

	hooksMu   sync.RWMutex
	onExpired []func(error)
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout, Transport: c.httpClient.Transport}
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

func New(baseURL string, store *tokenstore.Store, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		store:      store,
		httpClient: &http.Client{},
		logger:     slog.Default(),
		tracer:     otel.Tracer("marketplace/dashboard/apiclient"),
		defaultHeader: http.Header{
			"Content-Type": []string{"application/json"},
			"Accept":       []string{"application/json"},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "apiclient")
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetDefaultAuthorization makes every later request carry token, even
// before the token store is consulted.
func (c *Client) SetDefaultAuthorization(token string) {
	c.headerMu.Lock()
	defer c.headerMu.Unlock()
	if token == "" {
		c.defaultHeader.Del("Authorization")
		return
	}
	c.defaultHeader.Set("Authorization", "Bearer "+token)
}

func (c *Client) ClearDefaultAuthorization() {
	c.SetDefaultAuthorization("")
}

func (c *Client) DefaultHeader() http.Header {
	c.headerMu.RLock()
	defer c.headerMu.RUnlock()
	return c.defaultHeader.Clone()
}

// OnSessionExpired registers fn to run after a failed refresh has purged
// the stored tokens.
func (c *Client) OnSessionExpired(fn func(error)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onExpired = append(c.onExpired, fn)
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body}, out)
}

func (c *Client) Patch(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, Request{Method: http.MethodPatch, Path: path, Body: body}, out)
}

func (c *Client) Delete(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path}, out)
}

// Do sends req and decodes a successful JSON response into out (when out
// is non-nil). Failures are *StatusError or *NetworkError.
func (c *Client) Do(ctx context.Context, req Request, out interface{}) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Path = normalizePath(req.Path)

	body, err := encodeBody(req.Body)
	if err != nil {
		return fmt.Errorf("api: encode %s %s: %w", req.Method, req.Path, err)
	}

	ctx, span := c.tracer.Start(ctx, "api "+req.Method+" "+req.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("url.path", req.Path),
		))
	defer span.End()

	requestID := uuid.NewString()
	retried := false
	bearer := ""
	for {
		err = c.attempt(ctx, req, body, requestID, bearer, out)
		if retried || !c.shouldRefresh(req.Path, err) {
			break
		}
		retried = true
		span.AddEvent("refresh access token")

		token, refreshErr := c.renewAccess(ctx)
		if refreshErr != nil {
			if !errors.Is(refreshErr, errNoRefreshToken) && !errors.Is(refreshErr, errSessionEnded) {
				err = refreshErr
			}
			break
		}
		bearer = token
	}

	span.SetAttributes(attribute.Bool("dashboard.retried", retried))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) shouldRefresh(path string, err error) bool {
	return err != nil && IsUnauthorized(err) && !IsTokenEndpoint(path)
}

// attempt performs one HTTP exchange. bearer, when set, replaces whatever
// token the store would provide.
func (c *Client) attempt(ctx context.Context, req Request, body []byte, requestID, bearer string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.url(req.Path, req.Query), reader)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", req.Method, req.Path, err)
	}
	httpReq.Header = c.DefaultHeader()
	for key, values := range req.Header {
		httpReq.Header[key] = append([]string(nil), values...)
	}
	httpReq.Header.Set(RequestIDHeader, requestID)
	c.authorize(ctx, httpReq, req.Path, bearer)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.observeRequest(req.Method, 0)
		c.logger.Debug("api request failed", "method", req.Method, "path", req.Path, "request_id", requestID, "error", err)
		return &NetworkError{Method: req.Method, Path: req.Path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.metrics.observeRequest(req.Method, resp.StatusCode)
	c.logger.Debug("api request",
		"method", req.Method,
		"path", req.Path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration", time.Since(start),
	)
	if err != nil {
		return &NetworkError{Method: req.Method, Path: req.Path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(req.Method, req.Path, resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", req.Method, req.Path, err)
	}
	return nil
}

// authorize is the outbound step: token endpoints never carry a bearer.
func (c *Client) authorize(ctx context.Context, httpReq *http.Request, path, bearer string) {
	if IsTokenEndpoint(path) {
		httpReq.Header.Del("Authorization")
		return
	}
	token := bearer
	if token == "" {
		token = c.store.AccessToken(ctx)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) url(path string, query url.Values) string {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

func (c *Client) fireExpired(err error) {
	c.hooksMu.RLock()
	hooks := append([]func(error){}, c.onExpired...)
	c.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(err)
	}
}

// IsTokenEndpoint reports whether path is the token issuance or refresh
// endpoint.
func IsTokenEndpoint(path string) bool {
	return strings.HasPrefix(normalizePath(path), TokenPath)
}

func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func encodeBody(body interface{}) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
