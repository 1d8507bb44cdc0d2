// Package guard tracks failed login attempts per source IP and temporarily
// blocks repeat offenders before any other request processing runs.
package guard

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/platform/httpx"
)

// Auditor receives security events for block decisions.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
}

// Config tunes the guard thresholds.
type Config struct {
	FailureLimit  int
	FailureWindow time.Duration
	BlockDuration time.Duration
}

// DefaultConfig returns the stock thresholds: five failures inside five
// minutes earn a fifteen minute block.
func DefaultConfig() Config {
	return Config{
		FailureLimit:  5,
		FailureWindow: 5 * time.Minute,
		BlockDuration: 15 * time.Minute,
	}
}

type entry struct {
	failureCount int
	windowStart  time.Time
	blockedUntil time.Time
}

// BruteForceGuard is per-process, in-memory state; it resets on restart.
// Construct one at startup and mount it ahead of the session middleware.
type BruteForceGuard struct {
	mu      sync.Mutex
	entries map[string]*entry

	cfg     Config
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time
	onBlock func()
}

// New constructs a BruteForceGuard.
func New(cfg Config, auditor Auditor, logger *slog.Logger) *BruteForceGuard {
	if cfg.FailureLimit <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BruteForceGuard{
		entries: make(map[string]*entry),
		cfg:     cfg,
		auditor: auditor,
		logger:  logger,
		now:     time.Now,
	}
}

// OnBlock registers a hook invoked once per block decision, used for
// metrics.
func (g *BruteForceGuard) OnBlock(fn func()) {
	g.onBlock = fn
}

// Middleware rejects requests from blocked IPs with 429 and records login
// outcomes from the response status after the handler runs. Mount after
// RealIP so RemoteAddr carries the client address.
func (g *BruteForceGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if g.isBlocked(ip) {
			httpx.Error(w, http.StatusTooManyRequests, "too many failed login attempts, try again later")
			return
		}

		if !isLoginAttempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if ww.Status() >= http.StatusBadRequest {
			g.recordFailure(r.Context(), ip)
		} else {
			g.recordSuccess(ip)
		}
	})
}

// isBlocked reports whether the IP is currently blocked, lazily clearing
// expired blocks.
func (g *BruteForceGuard) isBlocked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[ip]
	if !ok || e.blockedUntil.IsZero() {
		return false
	}
	if g.now().Before(e.blockedUntil) {
		return true
	}
	delete(g.entries, ip)
	return false
}

// recordFailure counts a failed login. The window start is set on the
// first failure and never moved by later ones; the block fires only when
// the threshold is reached inside the window measured from that start.
func (g *BruteForceGuard) recordFailure(ctx context.Context, ip string) {
	now := g.now()

	g.mu.Lock()
	e, ok := g.entries[ip]
	if !ok {
		e = &entry{windowStart: now}
		g.entries[ip] = e
	}
	e.failureCount++
	blocked := e.failureCount >= g.cfg.FailureLimit && now.Sub(e.windowStart) <= g.cfg.FailureWindow
	if blocked {
		e.blockedUntil = now.Add(g.cfg.BlockDuration)
	}
	count := e.failureCount
	g.mu.Unlock()

	if blocked {
		if g.onBlock != nil {
			g.onBlock()
		}
		g.logger.Warn("ip blocked after repeated login failures",
			slog.String("ip", ip), slog.Int("failures", count))
		if g.auditor != nil {
			g.auditor.Emit(ctx, audit.SecurityEvent(audit.LevelWarn,
				"ip blocked after repeated login failures", ip,
				map[string]any{"failures": count, "block_minutes": int(g.cfg.BlockDuration.Minutes())}))
		}
	}
}

// recordSuccess clears all failure state for the IP.
func (g *BruteForceGuard) recordSuccess(ip string) {
	g.mu.Lock()
	delete(g.entries, ip)
	g.mu.Unlock()
}

func isLoginAttempt(r *http.Request) bool {
	return r.Method == http.MethodPost && r.URL.Path == "/auth/login"
}

// clientIP strips the port RemoteAddr may carry. RealIP has already
// rewritten RemoteAddr from the forwarding headers when present.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
		if host[i] == ']' {
			break
		}
	}
	return host
}
