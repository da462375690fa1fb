// Package auth authenticates task API requests. Users log in with a
// username and bcrypt-hashed password and receive an opaque bearer
// token; pre-configured API keys are accepted as bearer tokens too.
// Sessions are kept in memory and optionally written through to a
// Persister so they survive restarts.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/task-sync/internal/models"
)

const (
	// APIKeyPrefix distinguishes API keys from login tokens.
	APIKeyPrefix = "tk_"

	// APIKeyMinLen is the prefix plus 16 random bytes hex-encoded.
	APIKeyMinLen = len(APIKeyPrefix) + 32

	// tokenBytes is the number of random bytes in a login token
	// (hex-encoded to twice this length).
	tokenBytes = 32

	// cleanupInterval controls how often expired sessions are reaped.
	cleanupInterval = 5 * time.Minute
)

// Persister stores sessions durably. Only token hashes are written.
type Persister interface {
	SaveSession(s models.Session) error
	DeleteSession(tokenHash string) error
	AllSessions() ([]models.Session, error)
}

// APIKey is a pre-configured credential bound to one user.
type APIKey struct {
	UserID string
}

// Store holds sessions and API keys.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session // token hash -> session
	apiKeys  map[string]*APIKey         // key hash -> key
	persist  Persister
	logger   *slog.Logger
	now      func() time.Time

	stopGC   chan struct{}
	stopOnce sync.Once
}

// NewStore creates a store, restores unexpired sessions from persist
// (which may be nil) and starts a background goroutine that removes
// expired sessions. Call Stop() to clean up the goroutine.
func NewStore(persist Persister, logger *slog.Logger) *Store {
	s := &Store{
		sessions: make(map[string]*models.Session),
		apiKeys:  make(map[string]*APIKey),
		persist:  persist,
		logger:   logger,
		now:      time.Now,
		stopGC:   make(chan struct{}),
	}

	s.restore()

	go s.gcLoop()

	return s
}

func (s *Store) restore() {
	if s.persist == nil {
		return
	}

	sessions, err := s.persist.AllSessions()
	if err != nil {
		s.logger.Warn("loading persisted sessions", slog.String("error", err.Error()))
		return
	}

	now := s.now()

	for i := range sessions {
		sess := sessions[i]
		if now.After(sess.ExpiresAt) {
			s.deletePersisted(sess.TokenHash)
			continue
		}

		s.sessions[sess.TokenHash] = &sess
	}

	if len(s.sessions) > 0 {
		s.logger.Info("restored sessions", slog.Int("count", len(s.sessions)))
	}
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopGC) })
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes all expired sessions.
func (s *Store) cleanup() {
	now := s.now()

	var expired []string

	s.mu.Lock()
	for k, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, k)
			expired = append(expired, k)
		}
	}
	s.mu.Unlock()

	for _, k := range expired {
		s.deletePersisted(k)
	}
}

func (s *Store) deletePersisted(hash string) {
	if s.persist == nil {
		return
	}

	if err := s.persist.DeleteSession(hash); err != nil {
		s.logger.Warn("deleting persisted session", slog.String("error", err.Error()))
	}
}

// IssueToken creates a session for userID and returns the raw token.
// The token is only ever returned here; the store keeps its hash.
func (s *Store) IssueToken(userID string, ttl time.Duration) (string, time.Time) {
	token := RandomHex(tokenBytes)
	sess := &models.Session{
		TokenHash: HashToken(token),
		UserID:    userID,
		ExpiresAt: s.now().Add(ttl).UTC(),
	}

	s.mu.Lock()
	s.sessions[sess.TokenHash] = sess
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveSession(*sess); err != nil {
			s.logger.Warn("persisting session",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	return token, sess.ExpiresAt
}

// ValidateToken returns the session for token, or nil if unknown or
// expired.
func (s *Store) ValidateToken(token string) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[HashToken(token)]
	if !ok || s.now().After(sess.ExpiresAt) {
		return nil
	}

	return sess
}

// RevokeToken removes a session.
func (s *Store) RevokeToken(token string) {
	hash := HashToken(token)

	s.mu.Lock()
	delete(s.sessions, hash)
	s.mu.Unlock()

	s.deletePersisted(hash)
}

// RegisterAPIKey binds key to userID.
func (s *Store) RegisterAPIKey(userID, key string) {
	s.mu.Lock()
	s.apiKeys[HashToken(key)] = &APIKey{UserID: userID}
	s.mu.Unlock()
}

// ValidateAPIKey returns the key's binding, or nil if unknown.
func (s *Store) ValidateAPIKey(key string) *APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.apiKeys[HashToken(key)]
}

// HashToken returns the SHA-256 hex digest of a token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
