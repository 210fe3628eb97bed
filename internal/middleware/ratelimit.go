package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"resultcache/internal/domain"
)

// RateLimitConfig holds configuration for the rate limiter middleware.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate limit (tokens added per second).
	RequestsPerSecond float64
	// Burst is the maximum number of requests allowed in a burst.
	Burst int
}

// callerLimiter tracks a per-caller rate limiter and when it was last seen.
type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter returns an HTTP middleware enforcing a per-caller token-bucket
// rate limit. Behind the authenticating proxy every request shares the same
// remote address, so the bucket is keyed by the resolved principal when one
// is present, falling back to the client IP. Over the limit it responds 429
// with standard rate-limit headers.
func RateLimiter(cfg RateLimitConfig) func(http.Handler) http.Handler {
	var callers sync.Map // map[string]*callerLimiter

	// Background cleanup: remove stale entries every 5 minutes.
	go func() {
		for {
			time.Sleep(5 * time.Minute)
			callers.Range(func(key, value any) bool {
				cl := value.(*callerLimiter)
				if time.Since(cl.lastSeen) > 10*time.Minute {
					callers.Delete(key)
				}
				return true
			})
		}
	}()

	getLimiter := func(key string) *rate.Limiter {
		if v, ok := callers.Load(key); ok {
			cl := v.(*callerLimiter)
			cl.lastSeen = time.Now()
			return cl.limiter
		}
		limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
		callers.Store(key, &callerLimiter{limiter: limiter, lastSeen: time.Now()})
		return limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := getLimiter(callerKey(r))

			reservation := limiter.Reserve()
			if !reservation.OK() {
				writeTooManyRequests(w, 0)
				return
			}

			if delay := reservation.Delay(); delay > 0 {
				// Request would exceed the rate — cancel the reservation
				// and reject.
				reservation.Cancel()
				writeTooManyRequests(w, int(delay.Seconds())+1)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))

			next.ServeHTTP(w, r)
		})
	}
}

// callerKey identifies the bucket for a request: the authenticated principal
// if Identity ran first, else the client IP. Only RemoteAddr is used for the
// fallback — X-Forwarded-For is untrusted and ignored to prevent bypass via
// header spoofing.
func callerKey(r *http.Request) string {
	if p, ok := domain.PrincipalFromContext(r.Context()); ok && p.Name != "" {
		return "principal:" + p.Name
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	if retryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    429,
		"message": "rate limit exceeded",
	})
}
