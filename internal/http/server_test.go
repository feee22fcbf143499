package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/dashboard/internal/apiclient"
	"marketplace/dashboard/internal/authapi"
	"marketplace/dashboard/internal/clients"
	"marketplace/dashboard/internal/devbackend"
	"marketplace/dashboard/internal/model"
	"marketplace/dashboard/internal/session"
	"marketplace/dashboard/internal/tokenstore"
)

type fixedState session.State

func (f fixedState) State() session.State { return session.State(f) }

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func serveGuarded(state session.State, req *http.Request) *httptest.ResponseRecorder {
	handler := Guard(fixedState(state), "/login")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"page": "ok"})
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGuardWhileLoading(t *testing.T) {
	loading := session.State{Phase: session.Unknown, IsLoading: true}

	rec := serveGuarded(loading, httptest.NewRequest(http.MethodGet, "/products", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "Loading")

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.Header.Set("Accept", "application/json")
	rec = serveGuarded(loading, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"session_loading"}`, rec.Body.String())
}

func TestGuardRedirectsWhenUnauthenticated(t *testing.T) {
	state := session.State{Phase: session.Unauthenticated}

	rec := serveGuarded(state, httptest.NewRequest(http.MethodGet, "/products?status=active", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?next="+url.QueryEscape("/products?status=active"), rec.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.Header.Set("Accept", "application/json")
	rec = serveGuarded(state, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGuardPassesAuthenticated(t *testing.T) {
	state := session.State{Phase: session.Authenticated, IsAuthenticated: true, User: &model.User{ID: 1}}
	rec := serveGuarded(state, httptest.NewRequest(http.MethodGet, "/products", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type dashboard struct {
	url     string
	ctrl    *session.Controller
	backend *devbackend.Server
	client  *http.Client
}

func newDashboard(t *testing.T) *dashboard {
	t.Helper()
	store := devbackend.NewStore()
	require.NoError(t, store.Seed())
	backend := devbackend.NewServer(devbackend.Config{JWTSecret: "secret", JWTIssuer: "test"}, store, nil)
	backendTS := httptest.NewServer(backend.Router())
	t.Cleanup(backendTS.Close)

	tokens := tokenstore.New(tokenstore.NewMemoryBackend(), nil)
	api := apiclient.New(backendTS.URL, tokens)
	ctrl := session.New(api, authapi.New(api, tokens), tokens)
	ctrl.CheckAuth(context.Background())

	srv := NewServer(ctrl, clients.New(api), nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &dashboard{url: ts.URL, ctrl: ctrl, backend: backend, client: noRedirect()}
}

func (d *dashboard) postForm(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := d.client.PostForm(d.url+path, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (d *dashboard) getJSON(t *testing.T, path string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, d.url+path, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (d *dashboard) sendJSON(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, d.url+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestLoginPage(t *testing.T) {
	d := newDashboard(t)
	resp, err := d.client.Get(d.url + "/login?next=/payments")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Admin Login")
	assert.Contains(t, string(body), `value="/payments"`)
}

func TestLoginFlow(t *testing.T) {
	d := newDashboard(t)
	assert.Equal(t, http.StatusUnauthorized, d.getJSON(t, "/products", nil))

	resp, _ := d.postForm(t, "/login", url.Values{"username": {"admin"}, "password": {"admin123"}, "next": {"/products"}})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/products", resp.Header.Get("Location"))
	assert.True(t, d.ctrl.State().IsAuthenticated)

	var page clients.Page[model.Product]
	require.Equal(t, http.StatusOK, d.getJSON(t, "/products?status=pending", &page))
	assert.Equal(t, 1, page.Count)

	var user model.User
	require.Equal(t, http.StatusOK, d.getJSON(t, "/users/1", &user))
	assert.Equal(t, "admin", user.Username)

	var sum summary
	require.Equal(t, http.StatusOK, d.getJSON(t, "/", &sum))
	assert.Equal(t, 2, sum.Users)
	assert.Equal(t, 3, sum.Products)
	assert.Equal(t, 2, sum.PendingPayments)
	assert.Equal(t, 1, sum.ProductStatus["active"])

	resp, _ = d.postForm(t, "/logout", nil)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.False(t, d.ctrl.State().IsAuthenticated)
	assert.Equal(t, http.StatusUnauthorized, d.getJSON(t, "/products", nil))
}

func TestLoginRejections(t *testing.T) {
	d := newDashboard(t)

	resp, body := d.postForm(t, "/login", url.Values{"username": {"seller"}, "password": {"seller123"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body, "Only admin users are allowed to log in to this dashboard")

	resp, body = d.postForm(t, "/login", url.Values{"username": {"admin"}, "password": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "Invalid username or password.")

	resp, body = d.postForm(t, "/login", url.Values{"password": {"x"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "Username is required")

	assert.False(t, d.ctrl.State().IsAuthenticated)
}

func TestJSONLogin(t *testing.T) {
	d := newDashboard(t)

	status, body := d.sendJSON(t, http.MethodPost, "/login", `{"username":"seller","password":"seller123"}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "admin_only", body["error"])

	status, body = d.sendJSON(t, http.MethodPost, "/login", `{"username":"admin","password":"admin123"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_authenticated"])
}

func TestPaymentsRoutes(t *testing.T) {
	d := newDashboard(t)
	d.postForm(t, "/login", url.Values{"username": {"admin"}, "password": {"admin123"}})

	var count map[string]int
	require.Equal(t, http.StatusOK, d.getJSON(t, "/payments/pending-count", &count))
	assert.Equal(t, 2, count["count"])

	status, _ := d.sendJSON(t, http.MethodPost, "/payments/1/confirm", `{"package_id":0}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := d.sendJSON(t, http.MethodPost, "/payments/1/confirm", `{"package_id":1,"admin_notes":"ok"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "confirmed", body["status"])

	status, body = d.sendJSON(t, http.MethodPost, "/payments/999/confirm", `{"package_id":1}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

func TestProductAndReportMutations(t *testing.T) {
	d := newDashboard(t)
	d.postForm(t, "/login", url.Values{"username": {"admin"}, "password": {"admin123"}})

	status, body := d.sendJSON(t, http.MethodPatch, "/products/2", `{"status":"active"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", body["status"])

	status, _ = d.sendJSON(t, http.MethodPatch, "/reports/1", `{"status":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, body = d.sendJSON(t, http.MethodPatch, "/reports/1", `{"status":"resolved"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "resolved", body["status"])

	status, _ = d.sendJSON(t, http.MethodDelete, "/products/3", "")
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, http.StatusNotFound, d.getJSON(t, "/products/3", nil))
	assert.Equal(t, http.StatusBadRequest, d.getJSON(t, "/products/abc", nil))
}

func TestSessionShowsTokenHints(t *testing.T) {
	d := newDashboard(t)
	d.postForm(t, "/login", url.Values{"username": {"admin"}, "password": {"admin123"}})

	var body struct {
		IsAuthenticated bool `json:"is_authenticated"`
		Token           *struct {
			UserID    string  `json:"user_id"`
			ExpiresAt *string `json:"expires_at"`
			AdminHint bool    `json:"admin_hint"`
		} `json:"token"`
	}
	require.Equal(t, http.StatusOK, d.getJSON(t, "/session", &body))
	assert.True(t, body.IsAuthenticated)
	require.NotNil(t, body.Token)
	assert.Equal(t, "1", body.Token.UserID)
	assert.True(t, body.Token.AdminHint)
	assert.NotNil(t, body.Token.ExpiresAt)
}

func TestProductReplaceAndMine(t *testing.T) {
	d := newDashboard(t)
	d.postForm(t, "/login", url.Values{"username": {"admin"}, "password": {"admin123"}})

	status, body := d.sendJSON(t, http.MethodPut, "/products/1", `{"title":"Renamed"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Renamed", body["title"])
	assert.Equal(t, "", body["status"], "PUT replaces the whole record")

	var mine []model.Product
	assert.Equal(t, http.StatusOK, d.getJSON(t, "/products/mine", &mine))
}

func TestHealth(t *testing.T) {
	d := newDashboard(t)
	var body map[string]string
	require.Equal(t, http.StatusOK, d.getJSON(t, "/health", &body))
	assert.Equal(t, "unauthenticated", body["session"])
}

func TestSafeNext(t *testing.T) {
	cases := map[string]string{
		"":                      "/",
		"/payments":             "/payments",
		"//evil.example":        "/",
		"https://evil.example/": "/",
		"/\\evil.example":       "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, safeNext(in), in)
	}
}
