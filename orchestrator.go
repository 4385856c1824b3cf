package adminauth

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	oerrors "github.com/verostack/adminauth/pkg/errors"
	"github.com/verostack/adminauth/pkg/session"
	"github.com/verostack/adminauth/pkg/store"
	"github.com/verostack/adminauth/pkg/verifier"
)

// Orchestrator coordinates login, second-factor verification, and logout
// against the session store. It is the single source of truth callers query.
//
// Every committed transition bumps an epoch counter. Network-bound operations
// capture the epoch before the round trip and discard their result if any
// transition (typically a concurrent logout) committed in the meantime, so an
// in-flight call never blindly overwrites newer state.
type Orchestrator struct {
	store    *store.Store
	verifier verifier.Verifier
	logger   logr.Logger
	now      func() time.Time

	mu          sync.Mutex
	initialized bool
	state       State
	epoch       uint64
	pending     *pendingLogin
}

// pendingLogin tracks the provisional half of a login between the primary
// check and second-factor success.
type pendingLogin struct {
	ref       string
	subjectID string
	email     string
}

func NewOrchestrator(sessions *store.Store, v verifier.Verifier, logger logr.Logger, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:    sessions,
		verifier: v,
		logger:   logger,
		now:      now,
		state:    StateUnauthenticated,
	}
}

// Resume is the one-shot startup rehydration pass. A persisted session that
// is second-factor verified and not yet idle-expired short-circuits straight
// to Authenticated; anything else (stale, provisional, corrupt) is cleared.
// Until Resume returns, every other entry point reports not_initialized.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.initialized {
		return nil
	}

	if err := o.store.Load(ctx); err != nil {
		// Storage trouble must not wedge startup; begin unauthenticated.
		o.logger.Error(err, "session rehydration failed, starting unauthenticated")
		o.initialized = true
		return nil
	}

	snapshot, found := o.store.Snapshot()
	switch {
	case !found:
		// Nothing persisted.
	case snapshot.SecondFactorVerified && !snapshot.ExpiredAt(o.now()):
		o.state = StateAuthenticated
		o.logger.V(1).Info("resumed persisted session", "subject", snapshot.SubjectID)
	default:
		if err := o.store.SetSession(ctx, nil); err != nil {
			o.logger.Error(err, "failed to clear stale persisted session")
		}
	}

	o.initialized = true
	return nil
}

// State reports the current machine state and whether startup resume has
// completed. Callers must not branch on session-dependent behavior until the
// second return is true. An idle-expired session is cleared here, at read
// time, and reported as Unauthenticated.
func (o *Orchestrator) State(ctx context.Context) (State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return StateUnauthenticated, false
	}

	o.expireLocked(ctx)
	return o.state, true
}

// Login verifies primary credentials. On a provisional result the machine
// moves to PendingSecondFactor and a provisional session is stored; when the
// verifier waives the second factor for a trusted device, the full grant is
// committed directly. Starting a new login discards a prior pending session;
// a prior authenticated session is only replaced once the new login succeeds.
func (o *Orchestrator) Login(ctx context.Context, email string, password string) (State, error) {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return StateUnauthenticated, errNotInitialized()
	}

	// A prior pending session is discarded up front; that is itself a
	// committed transition, so concurrent in-flight calls from before it
	// will discard. An authenticated session stays live until the new login
	// succeeds: a failed attempt must not log the caller out.
	if o.state == StatePendingSecondFactor {
		o.resetLocked(ctx)
	}

	deviceToken := o.store.DeviceToken()
	epoch := o.epoch
	o.mu.Unlock()

	result, err := o.verifier.VerifyPrimary(ctx, email, password, deviceToken)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.epoch != epoch {
		o.logger.V(1).Info("discarding login result, state changed during round trip")
		return o.state, nil
	}

	if err != nil {
		return o.state, err
	}

	now := o.now()

	if result.Grant != nil {
		// Second factor waived for this trusted device.
		sess := &session.Session{
			SubjectID:            result.SubjectID,
			Email:                email,
			SecondFactorVerified: true,
			TrustedDevice:        true,
			LastActivity:         now,
			AccessToken:          result.Grant.AccessToken,
			RefreshToken:         result.Grant.RefreshToken,
			AccessExpiresAt:      result.Grant.ExpiresAt,
		}
		if err := o.store.SetSession(ctx, sess); err != nil {
			o.logger.Error(err, "failed to persist resumed-trust session")
		}
		o.commitLocked(StateAuthenticated, nil)
		return o.state, nil
	}

	provisional := &session.Session{
		SubjectID:    result.SubjectID,
		Email:        email,
		LastActivity: now,
	}
	if err := o.store.SetSession(ctx, provisional); err != nil {
		o.logger.Error(err, "failed to persist provisional session")
	}
	o.commitLocked(StatePendingSecondFactor, &pendingLogin{
		ref:       result.ProvisionalRef,
		subjectID: result.SubjectID,
		email:     email,
	})
	return o.state, nil
}

// VerifySecondFactor submits a time-based or backup code for the pending
// login. Malformed input fails locally without contacting the verifier; a
// wrong code is not fatal and the machine stays pending so the caller can
// retry (the verifier owns the attempt budget). trustDevice asks the
// verifier to waive the second factor for future logins from this device.
func (o *Orchestrator) VerifySecondFactor(ctx context.Context, code string, trustDevice bool) (State, error) {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return StateUnauthenticated, errNotInitialized()
	}
	if o.state != StatePendingSecondFactor || o.pending == nil {
		state := o.state
		o.mu.Unlock()
		return state, oerrors.New(oerrors.CodeReauthenticationRequired, "no login awaiting a second factor")
	}

	if !wellFormedSecondFactorCode(code) {
		o.mu.Unlock()
		return StatePendingSecondFactor, oerrors.New(oerrors.CodeMalformedCode, "second-factor code is malformed")
	}

	pending := *o.pending
	epoch := o.epoch
	o.mu.Unlock()

	result, err := o.verifier.VerifySecondFactor(ctx, pending.ref, code, trustDevice)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.epoch != epoch {
		o.logger.V(1).Info("discarding second-factor result, state changed during round trip")
		return o.state, nil
	}

	if err != nil {
		if oerrors.IsCode(err, oerrors.CodeCodeRejected) || oerrors.IsRetryable(err) {
			return o.state, err
		}
		// Provisional ref expired or revoked server-side: back to login.
		o.resetLocked(ctx)
		return o.state, err
	}

	subjectID := result.SubjectID
	if subjectID == "" {
		subjectID = pending.subjectID
	}

	sess := &session.Session{
		SubjectID:            subjectID,
		Email:                pending.email,
		SecondFactorVerified: true,
		TrustedDevice:        result.DeviceToken != "",
		LastActivity:         o.now(),
		AccessToken:          result.Grant.AccessToken,
		RefreshToken:         result.Grant.RefreshToken,
		AccessExpiresAt:      result.Grant.ExpiresAt,
	}
	if err := o.store.SetSession(ctx, sess); err != nil {
		o.logger.Error(err, "failed to persist authenticated session")
	}
	if result.DeviceToken != "" {
		if err := o.store.SetDeviceToken(ctx, result.DeviceToken); err != nil {
			o.logger.Error(err, "failed to persist device-trust token")
		}
	}

	o.commitLocked(StateAuthenticated, nil)
	return o.state, nil
}

// Logout discards the current session, pending or full. Logging out while
// already unauthenticated is a no-op that succeeds. The device-trust token is
// deliberately kept; ForgetDevice revokes it.
func (o *Orchestrator) Logout(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return errNotInitialized()
	}
	if o.state == StateUnauthenticated {
		return nil
	}

	o.resetLocked(ctx)
	return nil
}

// ForgetDevice drops the persisted device-trust marker so the next login
// requires the second factor again.
func (o *Orchestrator) ForgetDevice(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return errNotInitialized()
	}
	return o.store.SetDeviceToken(ctx, "")
}

// RequestPasswordReset forwards to the verifier, which acknowledges whether
// or not the account exists.
func (o *Orchestrator) RequestPasswordReset(ctx context.Context, email string) error {
	o.mu.Lock()
	initialized := o.initialized
	o.mu.Unlock()

	if !initialized {
		return errNotInitialized()
	}
	return o.verifier.RequestPasswordReset(ctx, email)
}

// expireLocked enforces idle timeout at read time: an expired session is
// cleared atomically with the query observing it.
func (o *Orchestrator) expireLocked(ctx context.Context) {
	if o.state != StateAuthenticated || !o.store.IsExpired() {
		return
	}

	if _, err := o.store.ClearExpired(ctx); err != nil {
		o.logger.Error(err, "failed to clear idle-expired session")
	}
	o.state = StateUnauthenticated
	o.pending = nil
	o.epoch++
	o.logger.V(1).Info("session idle timeout reached, now unauthenticated")
}

// resetLocked commits a transition to Unauthenticated, clearing the stored
// session but keeping the device-trust token.
func (o *Orchestrator) resetLocked(ctx context.Context) {
	if err := o.store.SetSession(ctx, nil); err != nil {
		o.logger.Error(err, "failed to clear persisted session")
	}
	o.commitLocked(StateUnauthenticated, nil)
}

// commitLocked applies a transition and bumps the epoch so any in-flight
// round trip started earlier discards its result.
func (o *Orchestrator) commitLocked(next State, pending *pendingLogin) {
	o.state = next
	o.pending = pending
	o.epoch++
}

func errNotInitialized() error {
	return oerrors.New(oerrors.CodeNotInitialized, "startup session resume has not completed")
}
