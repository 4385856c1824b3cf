package token

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	oerrors "github.com/verostack/adminauth/pkg/errors"
	"github.com/verostack/adminauth/pkg/store"
	"github.com/verostack/adminauth/pkg/verifier"
)

const (
	// DefaultExpirySkew treats a token this close to its expiry as already
	// expired so it cannot lapse mid-call.
	DefaultExpirySkew = 10 * time.Second

	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = 500 * time.Millisecond
	DefaultMaxDelay      = 5 * time.Second
	DefaultRefreshBudget = 30 * time.Second
)

// refreshKey collapses all concurrent refresh requests for the single
// per-process session onto one exchange.
const refreshKey = "refresh"

// Refresher is the slice of the verifier contract the manager needs.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (verifier.Grant, error)
}

type Config struct {
	Logger logr.Logger
	Now    func() time.Time

	ExpirySkew    time.Duration
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	RefreshBudget time.Duration
}

// Manager attaches valid credentials to outbound calls and shields callers
// from transient refresh failures. At most one refresh exchange is in flight
// at a time; concurrent callers subscribe to its result. A waiter that
// cancels only detaches itself, the shared exchange keeps running.
type Manager struct {
	store     *store.Store
	refresher Refresher
	logger    logr.Logger
	now       func() time.Time

	group singleflight.Group

	skew          time.Duration
	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
	refreshBudget time.Duration
}

func NewManager(sessions *store.Store, refresher Refresher, config Config) *Manager {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ExpirySkew <= 0 {
		config.ExpirySkew = DefaultExpirySkew
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	if config.RefreshBudget <= 0 {
		config.RefreshBudget = DefaultRefreshBudget
	}

	return &Manager{
		store:         sessions,
		refresher:     refresher,
		logger:        config.Logger,
		now:           config.Now,
		skew:          config.ExpirySkew,
		maxAttempts:   config.MaxAttempts,
		baseDelay:     config.BaseDelay,
		maxDelay:      config.MaxDelay,
		refreshBudget: config.RefreshBudget,
	}
}

// Token returns an access token currently safe to present, refreshing it
// first when its own expiry (distinct from session idle timeout) has passed.
func (m *Manager) Token(ctx context.Context) (string, error) {
	snapshot, ok := m.store.Snapshot()
	if !ok {
		return "", oerrors.New(oerrors.CodeReauthenticationRequired, "no active session")
	}

	if snapshot.AccessTokenValidAt(m.now(), m.skew) {
		return snapshot.AccessToken, nil
	}

	return m.refresh(ctx)
}

// Do runs fn with a valid access token and records session activity when fn
// succeeds.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error {
	accessToken, err := m.Token(ctx)
	if err != nil {
		return err
	}

	if err := fn(ctx, accessToken); err != nil {
		return err
	}

	if _, err := m.store.UpdateActivity(ctx); err != nil {
		m.logger.V(1).Info("failed to persist activity bump", "error", err.Error())
	}
	return nil
}

// refresh funnels callers through the single-flight group. The exchange runs
// on its own context so one waiter's cancellation never aborts it for the
// rest; the canceled waiter just stops listening.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshBudget)
		defer cancel()
		return m.exchange(exchangeCtx)
	})

	select {
	case <-ctx.Done():
		return "", oerrors.Wrap(oerrors.CodeTransientFailure, "caller canceled while waiting for token refresh", ctx.Err())
	case result := <-ch:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	}
}

// exchange performs the actual refresh with bounded backoff. On transient
// exhaustion the pre-refresh session is left untouched so a later retry can
// succeed without re-authentication; a rejected refresh token clears the
// session terminally.
func (m *Manager) exchange(ctx context.Context) (string, error) {
	snapshot, ok := m.store.Snapshot()
	if !ok || snapshot.RefreshToken == "" {
		return "", oerrors.New(oerrors.CodeReauthenticationRequired, "no refresh token available")
	}

	// A previous exchange may have completed between this caller observing
	// an expired token and arriving here.
	if snapshot.AccessTokenValidAt(m.now(), m.skew) {
		return snapshot.AccessToken, nil
	}

	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, m.backoff(attempt)); err != nil {
				return "", oerrors.Wrap(oerrors.CodeTransientFailure, "refresh budget exhausted", lastErr)
			}
		}

		grant, err := m.refresher.Refresh(ctx, snapshot.RefreshToken)
		if err == nil {
			if err := m.store.SetGrant(ctx, grant.AccessToken, grant.RefreshToken, grant.ExpiresAt); err != nil {
				if oerrors.IsCode(err, oerrors.CodeReauthenticationRequired) {
					// Session vanished mid-exchange (concurrent logout).
					return "", err
				}
				// Durability is best-effort; the in-memory grant stands.
				m.logger.Error(err, "failed to persist refreshed grant")
			}
			m.logger.V(1).Info("access token refreshed")
			return grant.AccessToken, nil
		}

		if oerrors.IsCode(err, oerrors.CodeVerifierUnavailable) {
			lastErr = err
			continue
		}

		// Expired or revoked refresh token: terminal for this session.
		if clearErr := m.store.SetSession(ctx, nil); clearErr != nil {
			m.logger.Error(clearErr, "failed to clear session after rejected refresh")
		}
		return "", oerrors.Wrap(oerrors.CodeReauthenticationRequired, "refresh token rejected", err)
	}

	return "", oerrors.Wrap(oerrors.CodeTransientFailure, "token refresh retries exhausted", lastErr)
}

func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.baseDelay * time.Duration(1<<uint(attempt-1))
	if delay > m.maxDelay {
		delay = m.maxDelay
	}
	return delay
}

func (m *Manager) sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
