package sitefeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Storage keys of the persisted identity
const (
	DeviceIDKey = "sitefeed:device_id"
	UserIDKey   = "sitefeed:user_id"
	SessionKey  = "sitefeed:session"
)

var DefaultSessionTimeout = 30 * time.Minute

// Identity keys personalization and outbound events. All ids are non-empty once resolved.
type Identity struct {
	DeviceID         string    `json:"deviceId"`
	SessionID        string    `json:"sessionId"`
	UserID           string    `json:"userId"`
	SessionStartedAt time.Time `json:"sessionStartedAt"`
	LastSeenAt       time.Time `json:"lastSeenAt"`
}

type identitySession struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	Until      time.Time `json:"expiresAt"`
}

func (s identitySession) ExpiresAt() time.Time {
	return s.Until
}

// IdentityProvider derives and persists the device, user and session ids.
// Device and user ids live in long-lived storage and never change once written;
// the session id lives in short-lived storage and rotates after a period of inactivity.
type IdentityProvider struct {
	longLived Cache[string]
	sessions  Cache[identitySession]
	logger    *slog.Logger
	timeout   time.Duration
	newID     func() string

	mu   sync.Mutex
	last Identity
}

// IdentityOption is a functional option for configuring an IdentityProvider
type IdentityOption func(*IdentityProvider)

func WithIdentityLogger(logger *slog.Logger) IdentityOption {
	return func(p *IdentityProvider) {
		p.logger = logger
	}
}

// WithSessionTimeout sets the inactivity window after which a new session starts
func WithSessionTimeout(timeout time.Duration) IdentityOption {
	return func(p *IdentityProvider) {
		p.timeout = timeout
	}
}

// WithIDGenerator replaces uuid.NewString
func WithIDGenerator(newID func() string) IdentityOption {
	return func(p *IdentityProvider) {
		p.newID = newID
	}
}

// NewIdentityProvider creates a provider persisting ids in longLived and the session in shortLived
func NewIdentityProvider(longLived, shortLived Cache[string], opts ...IdentityOption) *IdentityProvider {
	if longLived == nil || shortLived == nil {
		panic("identity storage is required")
	}
	p := &IdentityProvider{
		longLived: longLived,
		logger:    slog.Default(),
		timeout:   DefaultSessionTimeout,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.timeout <= 0 {
		panic("session timeout must be positive")
	}
	p.sessions = Transform(
		shortLived,
		func(s identitySession) (string, error) {
			data, err := json.Marshal(s)
			return string(data), err
		},
		func(data string) (identitySession, error) {
			var s identitySession
			err := json.Unmarshal([]byte(data), &s)
			return s, err
		},
	)
	return p
}

// Current returns the identity without extending the session
func (p *IdentityProvider) Current(ctx context.Context) Identity {
	return p.resolve(ctx, false)
}

// Touch records an interaction: the session is refreshed, or rotated if it went idle
func (p *IdentityProvider) Touch(ctx context.Context) Identity {
	return p.resolve(ctx, true)
}

func (p *IdentityProvider) resolve(ctx context.Context, touch bool) Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := NowFunc()
	id := Identity{
		DeviceID: p.stableID(ctx, DeviceIDKey, p.last.DeviceID),
		UserID:   p.stableID(ctx, UserIDKey, p.last.UserID),
	}

	session, err := p.sessions.Get(ctx, SessionKey)
	if err != nil && !IsErrKeyNotFound(err) {
		p.logger.WarnContext(ctx, "failed to read session", "error", err)
		if p.last.SessionID != "" {
			session = identitySession{ID: p.last.SessionID, StartedAt: p.last.SessionStartedAt, LastSeenAt: p.last.LastSeenAt}
		}
	}

	dirty := touch
	if session.ID == "" || !now.Before(session.LastSeenAt.Add(p.timeout)) {
		session = identitySession{ID: p.newID(), StartedAt: now}
		dirty = true
	}
	if dirty {
		session.LastSeenAt = now
		session.Until = now.Add(p.timeout)
		if err := p.sessions.Set(ctx, SessionKey, session); err != nil {
			p.logger.WarnContext(ctx, "failed to persist session", "error", err)
		}
	}

	id.SessionID = session.ID
	id.SessionStartedAt = session.StartedAt
	id.LastSeenAt = session.LastSeenAt
	p.last = id
	return id
}

// stableID reads a long-lived id, generating and persisting one on first use.
// If storage is unavailable the last known id is kept so it does not churn.
func (p *IdentityProvider) stableID(ctx context.Context, key, last string) string {
	v, err := p.longLived.Get(ctx, key)
	if err == nil && v != "" {
		return v
	}
	if err != nil && !IsErrKeyNotFound(err) {
		p.logger.WarnContext(ctx, "failed to read identity", "key", key, "error", err)
		if last != "" {
			return last
		}
	}

	v = last
	if v == "" {
		v = p.newID()
	}
	if err := p.longLived.Set(ctx, key, v); err != nil {
		p.logger.WarnContext(ctx, "failed to persist identity", "key", key, "error", err)
	}
	return v
}

// Reset forgets every persisted id so the next call regenerates all of them
func (p *IdentityProvider) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = Identity{}
	for _, key := range []string{DeviceIDKey, UserIDKey} {
		if err := p.longLived.Del(ctx, key); err != nil {
			return errors.Wrapf(err, "failed to delete %s", key)
		}
	}
	return errors.Wrapf(p.sessions.Del(ctx, SessionKey), "failed to delete %s", SessionKey)
}
