package token

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"

	oerrors "github.com/verostack/adminauth/pkg/errors"
	"github.com/verostack/adminauth/pkg/session"
	"github.com/verostack/adminauth/pkg/store"
	"github.com/verostack/adminauth/pkg/store/memory"
	"github.com/verostack/adminauth/pkg/verifier"
)

type stubRefresher struct {
	mu    sync.Mutex
	calls int32
	delay time.Duration
	fn    func(refreshToken string) (verifier.Grant, error)
}

func (s *stubRefresher) Refresh(ctx context.Context, refreshToken string) (verifier.Grant, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	return fn(refreshToken)
}

func (s *stubRefresher) callCount() int {
	return int(atomic.LoadInt32(&s.calls))
}

func seedStore(t *testing.T, now time.Time, accessExpiry time.Time) *store.Store {
	t.Helper()
	s := store.New(memory.NewAdapter(), logr.Discard(), func() time.Time { return now })
	err := s.SetSession(context.Background(), &session.Session{
		SubjectID:       "adm_1",
		LastActivity:    now,
		AccessToken:     "stale-access",
		RefreshToken:    "refresh-1",
		AccessExpiresAt: accessExpiry,
	})
	if err != nil {
		t.Fatalf("seed session failed: %v", err)
	}
	return s
}

func TestTokenReturnsValidTokenWithoutRefresh(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sessions := seedStore(t, now, now.Add(10*time.Minute))
	refresher := &stubRefresher{fn: func(string) (verifier.Grant, error) {
		t.Fatal("refresh must not be called for a valid token")
		return verifier.Grant{}, nil
	}}

	m := NewManager(sessions, refresher, Config{Now: func() time.Time { return now }})

	accessToken, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	if accessToken != "stale-access" {
		t.Fatalf("unexpected token: %s", accessToken)
	}
}

func TestTokenWithoutSession(t *testing.T) {
	sessions := store.New(memory.NewAdapter(), logr.Discard(), nil)
	m := NewManager(sessions, &stubRefresher{fn: func(string) (verifier.Grant, error) {
		return verifier.Grant{}, nil
	}}, Config{})

	_, err := m.Token(context.Background())
	if !oerrors.IsCode(err, oerrors.CodeReauthenticationRequired) {
		t.Fatalf("expected reauthentication_required, got %v", err)
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sessions := seedStore(t, now, now.Add(-time.Minute))
	refresher := &stubRefresher{
		delay: 50 * time.Millisecond,
		fn: func(refreshToken string) (verifier.Grant, error) {
			if refreshToken != "refresh-1" {
				return verifier.Grant{}, fmt.Errorf("unexpected refresh token %s", refreshToken)
			}
			return verifier.Grant{
				AccessToken:  "fresh-access",
				RefreshToken: "refresh-2",
				ExpiresAt:    now.Add(15 * time.Minute),
			}, nil
		},
	}

	m := NewManager(sessions, refresher, Config{Now: func() time.Time { return now }})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i] != "fresh-access" {
			t.Fatalf("caller %d got token %s", i, results[i])
		}
	}
	if got := refresher.callCount(); got != 1 {
		t.Fatalf("expected exactly one refresh exchange, got %d", got)
	}

	snapshot, found := sessions.Snapshot()
	if !found {
		t.Fatal("expected session to survive refresh")
	}
	if snapshot.RefreshToken != "refresh-2" {
		t.Fatalf("expected rotated refresh token to be stored, got %s", snapshot.RefreshToken)
	}
}

func TestCanceledWaiterDetachesFromSharedRefresh(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sessions := seedStore(t, now, now.Add(-time.Minute))

	entered := make(chan struct{})
	release := make(chan struct{})
	refresher := &stubRefresher{fn: func(refreshToken string) (verifier.Grant, error) {
		close(entered)
		<-release
		return verifier.Grant{
			AccessToken:  "fresh-access",
			RefreshToken: "refresh-2",
			ExpiresAt:    now.Add(15 * time.Minute),
		}, nil
	}}

	m := NewManager(sessions, refresher, Config{Now: func() time.Time { return now }})

	waiterCtx, cancel := context.WithCancel(context.Background())
	waiterErr := make(chan error, 1)
	go func() {
		_, err := m.Token(waiterCtx)
		waiterErr <- err
	}()

	// The exchange is in flight; attach a second caller to it.
	<-entered
	type result struct {
		accessToken string
		err         error
	}
	survivor := make(chan result, 1)
	go func() {
		accessToken, err := m.Token(context.Background())
		survivor <- result{accessToken, err}
	}()
	time.Sleep(10 * time.Millisecond)

	// Canceling one waiter only detaches it; the shared exchange keeps
	// running and the other caller still gets its result.
	cancel()
	err := <-waiterErr
	if !oerrors.IsCode(err, oerrors.CodeTransientFailure) {
		t.Fatalf("expected transient_failure for the canceled waiter, got %v", err)
	}

	close(release)
	got := <-survivor
	if got.err != nil {
		t.Fatalf("surviving caller failed: %v", got.err)
	}
	if got.accessToken != "fresh-access" {
		t.Fatalf("unexpected token for the surviving caller: %s", got.accessToken)
	}
	if count := refresher.callCount(); count != 1 {
		t.Fatalf("expected exactly one refresh exchange, got %d", count)
	}

	snapshot, found := sessions.Snapshot()
	if !found {
		t.Fatal("expected session to survive the refresh")
	}
	if snapshot.RefreshToken != "refresh-2" {
		t.Fatalf("expected rotated refresh token to be stored, got %s", snapshot.RefreshToken)
	}
}

func TestRefreshRetriesTransientFailures(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sessions := seedStore(t, now, now.Add(-time.Minute))

	var attempt int32
	refresher := &stubRefresher{fn: func(string) (verifier.Grant, error) {
		if atomic.AddInt32(&attempt, 1) < 3 {
			return verifier.Grant{}, oerrors.New(oerrors.CodeVerifierUnavailable, "temporarily down")
		}
		return verifier.Grant{
			AccessToken:  "fresh-access",
			RefreshToken: "refresh-2",
			ExpiresAt:    now.Add(15 * time.Minute),
		}, nil
	}}

	m := NewManager(sessions, refresher, Config{
		Now:         func() time.Time { return now },
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	})

	accessToken, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	if accessToken != "fresh-access" {
		t.Fatalf("unexpected token: %s", accessToken)
	}
	if got := refresher.callCount(); got != 3 {
		t.Fatalf("expected three attempts, got %d", got)
	}
}

func TestRefreshExhaustionKeepsSession(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sessions := seedStore(t, now, now.Add(-time.Minute))
	refresher := &stubRefresher{fn: func(string) (verifier.Grant, error) {
		return verifier.Grant{}, oerrors.New(oerrors.CodeVerifierUnavailable, "still down")
	}}

	m := NewManager(sessions, refresher, Config{
		Now:         func() time.Time { return now },
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
	})

	_, err := m.Token(context.Background())
	if !oerrors.IsCode(err, oerrors.CodeTransientFailure) {
		t.Fatalf("expected transient_failure, got %v", err)
	}
	if got := refresher.callCount(); got != 2 {
		t.Fatalf("expected two attempts, got %d", got)
	}

	// Exhaustion must not destroy the session; a later retry can succeed.
	if _, found := sessions.Snapshot(); !found {
		t.Fatal("expected session to survive transient exhaustion")
	}
}

func TestRejectedRefreshClearsSession(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sessions := seedStore(t, now, now.Add(-time.Minute))
	refresher := &stubRefresher{fn: func(string) (verifier.Grant, error) {
		return verifier.Grant{}, oerrors.New(oerrors.CodeInvalidCredentials, "refresh token revoked")
	}}

	m := NewManager(sessions, refresher, Config{Now: func() time.Time { return now }})

	_, err := m.Token(context.Background())
	if !oerrors.IsCode(err, oerrors.CodeReauthenticationRequired) {
		t.Fatalf("expected reauthentication_required, got %v", err)
	}
	if got := refresher.callCount(); got != 1 {
		t.Fatalf("expected a rejected refresh to not be retried, got %d attempts", got)
	}
	if _, found := sessions.Snapshot(); found {
		t.Fatal("expected session to be cleared after a rejected refresh")
	}
}

func TestDoBumpsActivityOnSuccess(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	current := start
	clock := func() time.Time { return current }

	sessions := store.New(memory.NewAdapter(), logr.Discard(), clock)
	err := sessions.SetSession(context.Background(), &session.Session{
		SubjectID:       "adm_1",
		LastActivity:    start,
		AccessToken:     "access",
		RefreshToken:    "refresh-1",
		AccessExpiresAt: start.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seed session failed: %v", err)
	}

	m := NewManager(sessions, &stubRefresher{fn: func(string) (verifier.Grant, error) {
		return verifier.Grant{}, nil
	}}, Config{Now: clock})

	current = start.Add(5 * time.Minute)
	err = m.Do(context.Background(), func(ctx context.Context, accessToken string) error {
		if accessToken != "access" {
			t.Fatalf("unexpected token: %s", accessToken)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}

	snapshot, _ := sessions.Snapshot()
	if !snapshot.LastActivity.Equal(current) {
		t.Fatalf("expected activity bump to %v, got %v", current, snapshot.LastActivity)
	}
}

func TestDoSkipsActivityOnFailure(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	current := start
	clock := func() time.Time { return current }

	sessions := store.New(memory.NewAdapter(), logr.Discard(), clock)
	err := sessions.SetSession(context.Background(), &session.Session{
		SubjectID:       "adm_1",
		LastActivity:    start,
		AccessToken:     "access",
		AccessExpiresAt: start.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seed session failed: %v", err)
	}

	m := NewManager(sessions, &stubRefresher{fn: func(string) (verifier.Grant, error) {
		return verifier.Grant{}, nil
	}}, Config{Now: clock})

	current = start.Add(5 * time.Minute)
	wantErr := fmt.Errorf("call failed")
	err = m.Do(context.Background(), func(ctx context.Context, accessToken string) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected the call error to pass through, got %v", err)
	}

	snapshot, _ := sessions.Snapshot()
	if !snapshot.LastActivity.Equal(start) {
		t.Fatal("expected no activity bump after a failed call")
	}
}
