package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/dashboard/internal/tokenstore"
)

type fakeBackend struct {
	t *testing.T

	mu            sync.Mutex
	validToken    string
	refreshReply  int
	refreshAccess string
	refreshCalls  int32
	seen          []*http.Request
	alwaysDeny    bool
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token/", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		w.Header().Set("Content-Type", "application/json")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"No active account found with the given credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access":"issued","refresh":"issued-refresh"}`))
	})
	mux.HandleFunc("/api/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		atomic.AddInt32(&f.refreshCalls, 1)
		var body map[string]string
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		f.mu.Lock()
		reply, access := f.refreshReply, f.refreshAccess
		f.mu.Unlock()
		if reply != 0 && reply != http.StatusOK {
			w.WriteHeader(reply)
			_, _ = w.Write([]byte(`{"detail":"Token is invalid or expired","code":"token_not_valid"}`))
			return
		}
		f.mu.Lock()
		f.validToken = access
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"access": access})
	})
	mux.HandleFunc("/api/products/", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		valid, deny := f.validToken, f.alwaysDeny
		f.mu.Unlock()
		if deny || r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Given token not valid for any token type"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1,"title":"Desk"}]`))
	})
	mux.HandleFunc("/api/broken/", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"ad_limit_exceeded","message":"No ads left"}`))
	})
	return mux
}

func (f *fakeBackend) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, r.Clone(context.Background()))
}

func (f *fakeBackend) requests(path string) []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*http.Request
	for _, r := range f.seen {
		if r.URL.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func newTestClient(t *testing.T, backend *fakeBackend) (*Client, *tokenstore.Store, *Metrics) {
	t.Helper()
	backend.t = t
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	store := tokenstore.New(tokenstore.NewMemoryBackend(), nil)
	metrics := NewMetrics(nil)
	return New(srv.URL+"/api/", store, WithMetrics(metrics)), store, metrics
}

type product struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

func TestAttachesStoredBearerAndDefaults(t *testing.T) {
	backend := &fakeBackend{validToken: "good"}
	client, store, _ := newTestClient(t, backend)
	ctx := context.Background()
	store.SetTokens(ctx, "good", "r1")

	var products []product
	require.NoError(t, client.Get(ctx, "products/", url.Values{"status": {"active"}}, &products))
	require.Len(t, products, 1)
	assert.Equal(t, "Desk", products[0].Title)

	reqs := backend.requests("/api/products/")
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer good", reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Accept"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.Equal(t, "active", reqs[0].URL.Query().Get("status"))
	assert.NotEmpty(t, reqs[0].Header.Get(RequestIDHeader))
}

func TestTokenEndpointNeverCarriesAuthorization(t *testing.T) {
	backend := &fakeBackend{}
	client, store, _ := newTestClient(t, backend)
	ctx := context.Background()
	store.SetTokens(ctx, "stale", "stale-refresh")
	client.SetDefaultAuthorization("stale-default")

	var pair map[string]string
	require.NoError(t, client.Post(ctx, TokenPath, map[string]string{"username": "root", "password": "pw"}, &pair))
	assert.Equal(t, "issued", pair["access"])

	reqs := backend.requests("/api/token/")
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Header.Get("Authorization"))
}

func TestTokenEndpoint401IsNotRefreshed(t *testing.T) {
	backend := &fakeBackend{}
	client, store, _ := newTestClient(t, backend)
	ctx := context.Background()
	store.SetTokens(ctx, "a", "r")

	err := client.Post(ctx, TokenPath, map[string]string{"username": "root", "password": "bad"}, nil)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.refreshCalls))
	assert.Equal(t, "a", store.AccessToken(ctx), "credential errors must not purge the session")
}

func TestRefreshesOnceAndReplays(t *testing.T) {
	backend := &fakeBackend{validToken: "fresh", refreshAccess: "fresh"}
	client, store, metrics := newTestClient(t, backend)
	ctx := context.Background()
	store.SetTokens(ctx, "expired", "r1")

	var products []product
	require.NoError(t, client.Get(ctx, "/products/", nil, &products))
	assert.Len(t, products, 1)

	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.refreshCalls))
	reqs := backend.requests("/api/products/")
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer expired", reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "Bearer fresh", reqs[1].Header.Get("Authorization"))
	assert.Equal(t, reqs[0].Header.Get(RequestIDHeader), reqs[1].Header.Get(RequestIDHeader))

	refreshReqs := backend.requests("/api/token/refresh/")
	require.Len(t, refreshReqs, 1)
	assert.Empty(t, refreshReqs[0].Header.Get("Authorization"))

	assert.Equal(t, "fresh", store.AccessToken(ctx))
	assert.Equal(t, "r1", store.RefreshToken(ctx))
	assert.Equal(t, "Bearer fresh", client.DefaultHeader().Get("Authorization"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.refreshes.WithLabelValues("success")))
}

func TestSecond401IsSurfaced(t *testing.T) {
	backend := &fakeBackend{alwaysDeny: true, refreshAccess: "fresh"}
	client, store, _ := newTestClient(t, backend)
	ctx := context.Background()
	store.SetTokens(ctx, "expired", "r1")

	err := client.Get(ctx, "/products/", nil, nil)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	statusErr, ok := AsStatus(err)
	require.True(t, ok)
	assert.Equal(t, "/products/", statusErr.Path)

	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.refreshCalls))
	assert.Len(t, backend.requests("/api/products/"), 2)
}

func TestMissingRefreshTokenEndsSession(t *testing.T) {
	backend := &fakeBackend{validToken: "other"}
	client, store, _ := newTestClient(t, backend)
	ctx := context.Background()
	store.Set(ctx, tokenstore.AccessKey, "expired")

	var expired []error
	client.OnSessionExpired(func(err error) { expired = append(expired, err) })

	err := client.Get(ctx, "/products/", nil, nil)
	require.Error(t, err)
	statusErr, ok := AsStatus(err)
	require.True(t, ok)
	assert.Equal(t, "/products/", statusErr.Path, "the first 401 is returned")

	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.refreshCalls))
	assert.Empty(t, store.AccessToken(ctx))
	assert.Len(t, expired, 1)
}

func TestFailedRefreshPurgesAndReturnsRefreshError(t *testing.T) {
	backend := &fakeBackend{validToken: "other", refreshReply: http.StatusUnauthorized}
	client, store, metrics := newTestClient(t, backend)
	ctx := context.Background()
	store.SetTokens(ctx, "expired", "revoked")
	client.SetDefaultAuthorization("expired")

	var expired []error
	client.OnSessionExpired(func(err error) { expired = append(expired, err) })

	err := client.Get(ctx, "/products/", nil, nil)
	require.Error(t, err)
	statusErr, ok := AsStatus(err)
	require.True(t, ok)
	assert.Equal(t, TokenRefreshPath, statusErr.Path)
	assert.Equal(t, "token_not_valid", statusErr.Code)

	assert.Empty(t, store.AccessToken(ctx))
	assert.Empty(t, store.RefreshToken(ctx))
	assert.Empty(t, client.DefaultHeader().Get("Authorization"))
	require.Len(t, expired, 1)
	assert.True(t, errors.Is(expired[0], err))
	assert.Len(t, backend.requests("/api/products/"), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.refreshes.WithLabelValues("failure")))
}

func TestOtherErrorsPassThrough(t *testing.T) {
	backend := &fakeBackend{}
	client, _, _ := newTestClient(t, backend)

	err := client.Post(context.Background(), "/broken/", map[string]string{"title": "x"}, nil)
	statusErr, ok := AsStatus(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, statusErr.Status)
	assert.Equal(t, "ad_limit_exceeded", statusErr.Code)
	assert.Equal(t, "No ads left", statusErr.Message)
	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.refreshCalls))
}

func TestNetworkErrorIsDistinct(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	client := New(base, tokenstore.New(tokenstore.NewMemoryBackend(), nil))
	err := client.Get(context.Background(), "/products/", nil, nil)
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
	assert.False(t, IsUnauthorized(err))
}

func TestConcurrentRefreshesAreCoalesced(t *testing.T) {
	const callers = 5
	var firstWave sync.WaitGroup
	firstWave.Add(callers)
	var refreshCalls int32
	var valid atomic.Value
	valid.Store("fresh")

	mux := http.NewServeMux()
	mux.HandleFunc("/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{"access":"fresh"}`))
	})
	mux.HandleFunc("/products/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer "+valid.Load().(string) {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		firstWave.Done()
		firstWave.Wait()
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := tokenstore.New(tokenstore.NewMemoryBackend(), nil)
	ctx := context.Background()
	store.SetTokens(ctx, "expired", "r1")
	client := New(srv.URL, store)

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- client.Get(ctx, "/products/", nil, nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
	assert.Equal(t, "fresh", store.AccessToken(ctx))
}

func TestStaleRefreshTokenReusesRotatedPair(t *testing.T) {
	backend := &fakeBackend{refreshAccess: "should-not-be-issued"}
	client, store, metrics := newTestClient(t, backend)
	ctx := context.Background()
	// Another caller already rotated r1 into r2 after this one read r1.
	store.SetTokens(ctx, "rotated-access", "r2")

	token, err := client.renewWith(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "rotated-access", token)
	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.refreshCalls))
	assert.Equal(t, "r2", store.RefreshToken(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.refreshes.WithLabelValues("reused")))
}

func TestEndSessionDiscardsRefreshResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_, _ = w.Write([]byte(`{"access":"fresh","refresh":"r2"}`))
	})
	mux.HandleFunc("/products/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := tokenstore.New(tokenstore.NewMemoryBackend(), nil)
	ctx := context.Background()
	store.SetTokens(ctx, "expired", "r1")
	client := New(srv.URL, store)
	var expired int32
	client.OnSessionExpired(func(error) { atomic.AddInt32(&expired, 1) })

	done := make(chan error, 1)
	go func() { done <- client.Get(ctx, "/products/", nil, nil) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("refresh never started")
	}
	client.EndSession(ctx)
	close(release)

	err := <-done
	assert.True(t, IsUnauthorized(err), "got %v", err)
	assert.Empty(t, store.AccessToken(ctx))
	assert.Empty(t, store.RefreshToken(ctx))
	assert.Empty(t, client.DefaultHeader().Get("Authorization"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&expired))
}

func TestIsTokenEndpoint(t *testing.T) {
	assert.True(t, IsTokenEndpoint("/token/"))
	assert.True(t, IsTokenEndpoint("token/refresh/"))
	assert.False(t, IsTokenEndpoint("/users/1/"))
	assert.False(t, IsTokenEndpoint("/products/token/"))
}
