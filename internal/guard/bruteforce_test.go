package guard

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGuard(t *testing.T) (*BruteForceGuard, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	g := New(DefaultConfig(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.now = clock.Now
	return g, clock
}

func failingLogin() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func loginRequest(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	r.RemoteAddr = ip + ":54321"
	return r
}

func TestBlocksAfterFifthFailureInWindow(t *testing.T) {
	g, clock := newTestGuard(t)
	handler := g.Middleware(failingLogin())

	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, loginRequest("10.0.0.1"))
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d must reach the handler", i+1)
		clock.Advance(10 * time.Second)
	}

	// Fifth failure inside the window triggers the block.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("10.0.0.1"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestFourFailuresDoNotBlock(t *testing.T) {
	g, _ := newTestGuard(t)
	handler := g.Middleware(failingLogin())

	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, loginRequest("10.0.0.2"))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/projects", nil))
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}

func TestBlockExpiresLazily(t *testing.T) {
	g, clock := newTestGuard(t)
	handler := g.Middleware(failingLogin())

	for i := 0; i < 5; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), loginRequest("10.0.0.3"))
	}

	// One second before expiry: still blocked.
	clock.Advance(15*time.Minute - time.Second)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("10.0.0.3"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Past expiry: allowed again, state cleared.
	clock.Advance(2 * time.Second)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("10.0.0.3"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// A single failure after the reset must not block.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("10.0.0.3"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSuccessfulLoginClearsFailures(t *testing.T) {
	g, _ := newTestGuard(t)
	failing := g.Middleware(failingLogin())
	succeeding := g.Middleware(okHandler())

	for i := 0; i < 4; i++ {
		failing.ServeHTTP(httptest.NewRecorder(), loginRequest("10.0.0.4"))
	}
	succeeding.ServeHTTP(httptest.NewRecorder(), loginRequest("10.0.0.4"))

	// Counter restarted: four more failures stay under the threshold.
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		failing.ServeHTTP(rec, loginRequest("10.0.0.4"))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestWindowStartIsNotReset(t *testing.T) {
	g, clock := newTestGuard(t)
	handler := g.Middleware(failingLogin())

	// Failures trickle in slower than the window: by the time the count
	// reaches the limit the window has elapsed, so no block fires.
	for i := 0; i < 6; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, loginRequest("10.0.0.5"))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		clock.Advance(2 * time.Minute)
	}
}

func TestIPsAreTrackedIndependently(t *testing.T) {
	g, _ := newTestGuard(t)
	handler := g.Middleware(failingLogin())

	for i := 0; i < 5; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), loginRequest("10.0.0.6"))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("10.0.0.6"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, loginRequest("10.0.0.7"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNonLoginTrafficIsNotCounted(t *testing.T) {
	g, _ := newTestGuard(t)
	erroring := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < 10; i++ {
		r := httptest.NewRequest(http.MethodGet, "/projects", nil)
		r.RemoteAddr = "10.0.0.8:1234"
		erroring.ServeHTTP(httptest.NewRecorder(), r)
	}

	// The login reaches its handler: the ten 500s above were not login
	// attempts, so nothing was counted against the IP.
	login := g.Middleware(failingLogin())
	rec := httptest.NewRecorder()
	login.ServeHTTP(rec, loginRequest("10.0.0.8"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
