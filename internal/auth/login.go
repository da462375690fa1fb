package auth

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/task-sync/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// UserCredentials maps usernames to bcrypt password hashes.
type UserCredentials map[string]string

const (
	// maxLoginBody caps the login request body.
	maxLoginBody = 1 << 16

	// rateLimitPruneThreshold is the number of tracked IPs above which
	// the rate limiter prunes expired entries to prevent unbounded growth.
	rateLimitPruneThreshold = 1000

	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10
)

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// Verify reports whether password matches the stored hash for username.
// Unknown users still pay for one bcrypt comparison so response timing
// does not reveal which usernames exist.
func (u UserCredentials) Verify(username, password string) bool {
	hash, ok := u[username]
	if !ok {
		dummyHashOnce.Do(func() {
			dummyHash, _ = bcrypt.GenerateFromPassword([]byte("task-sync"), bcrypt.DefaultCost)
		})
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))

		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// loginRateLimiter tracks failed login attempts per IP with a sliding
// window. After rateLimitMaxFail failures within the window, further
// attempts are rejected until the window expires.
type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// check returns true if the IP is currently rate-limited.
func (rl *loginRateLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], rl.now())
	rl.mu.Unlock()
}

// HandleLogin exchanges a username and password for a bearer token.
func HandleLogin(store *Store, users UserCredentials, ttl time.Duration, logger *slog.Logger) http.HandlerFunc {
	limiter := newLoginRateLimiter()

	return func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)

		if limiter.check(ip) {
			logger.Warn("login rate limited", slog.String("ip", ip))
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many failed login attempts")

			return
		}

		var req models.LoginRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON object")
			return
		}

		if req.Username == "" || req.Password == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
			return
		}

		if !users.Verify(req.Username, req.Password) {
			limiter.record(ip)
			logger.Info("login failed",
				slog.String("user_id", req.Username),
				slog.String("ip", ip),
			)
			writeJSONError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")

			return
		}

		token, expires := store.IssueToken(req.Username, ttl)

		logger.Info("login succeeded",
			slog.String("user_id", req.Username),
			slog.String("ip", ip),
		)

		writeJSON(w, http.StatusOK, models.LoginResponse{
			Token:     token,
			UserID:    req.Username,
			ExpiresAt: expires,
		})
	}
}

// HandleMe returns the authenticated user's id. It must be wrapped by
// Middleware.
func HandleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"userID": RequestUserID(r.Context())})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
