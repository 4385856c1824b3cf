package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	oerrors "github.com/verostack/adminauth/pkg/errors"
	"github.com/verostack/adminauth/pkg/session"
)

// Store is the single writer of the current session record. All reads and
// writes are serialized so a snapshot never observes a half-applied update.
// Durability is best-effort: a failed persist is reported but the in-memory
// state it tried to persist stands.
type Store struct {
	backend Backend
	logger  logr.Logger
	now     func() time.Time

	mu     sync.Mutex
	record session.Record
}

func New(backend Backend, logger logr.Logger, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend: backend,
		logger:  logger,
		now:     now,
	}
}

// Load rehydrates the record from the backend. Called once during startup,
// before the store is shared.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, found, err := s.backend.Load(ctx, session.Namespace)
	if err != nil {
		return oerrors.Wrap(oerrors.CodeStorageUnavailable, "failed to load persisted session", err)
	}
	if !found {
		s.record = session.Record{}
		return nil
	}

	var record session.Record
	if err := json.Unmarshal(payload, &record); err != nil {
		// A corrupt record is discarded rather than wedging startup.
		s.logger.V(1).Info("discarding unreadable persisted session record", "error", err.Error())
		s.record = session.Record{}
		return nil
	}

	s.record = record
	return nil
}

// SetSession atomically replaces the stored session; nil clears it. The
// device token is deliberately retained across clears.
func (s *Store) SetSession(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record.Session = sess.Clone()
	return s.persist(ctx)
}

// UpdateActivity bumps LastActivity to now on the existing session. Returns
// false when no session exists; LastActivity never moves backward.
func (s *Store) UpdateActivity(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.record.Session == nil {
		return false, nil
	}

	now := s.now()
	if now.After(s.record.Session.LastActivity) {
		s.record.Session.LastActivity = now
	}
	return true, s.persist(ctx)
}

// IsExpired reports whether no session exists or the idle timeout elapsed.
// Pure function of stored state and the clock; no I/O.
func (s *Store) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.record.Session.ExpiredAt(s.now())
}

// ClearExpired clears the session when the idle timeout has elapsed,
// returning whether a clear happened. Read-time enforcement lives here so
// expiry and clearing are one atomic step.
func (s *Store) ClearExpired(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.record.Session == nil || !s.record.Session.ExpiredAt(s.now()) {
		return false, nil
	}

	s.record.Session = nil
	return true, s.persist(ctx)
}

// Snapshot returns a copy of the current session, if any.
func (s *Store) Snapshot() (session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.record.Session == nil {
		return session.Session{}, false
	}
	return *s.record.Session, true
}

// SetGrant writes rotated token material through to the existing session.
func (s *Store) SetGrant(ctx context.Context, accessToken string, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.record.Session == nil {
		return oerrors.New(oerrors.CodeReauthenticationRequired, "no session to attach grant to")
	}

	s.record.Session.AccessToken = accessToken
	s.record.Session.RefreshToken = refreshToken
	s.record.Session.AccessExpiresAt = expiresAt
	return s.persist(ctx)
}

// DeviceToken returns the persisted device-trust token, if any.
func (s *Store) DeviceToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.DeviceToken
}

// SetDeviceToken replaces the device-trust token; empty clears it.
func (s *Store) SetDeviceToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record.DeviceToken = token
	return s.persist(ctx)
}

// persist is called with the lock held.
func (s *Store) persist(ctx context.Context) error {
	s.record.SavedAt = s.now()

	payload, err := json.Marshal(s.record)
	if err != nil {
		return oerrors.Wrap(oerrors.CodeStorageUnavailable, "failed to encode session record", err)
	}

	if err := s.backend.Save(ctx, session.Namespace, payload); err != nil {
		s.logger.Error(err, "failed to persist session record")
		return oerrors.Wrap(oerrors.CodeStorageUnavailable, "failed to persist session record", err)
	}
	return nil
}
