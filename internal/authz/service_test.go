package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mobigate.org/internal/credential"
	"mobigate.org/internal/events"
)

// fakeClock is a mutable time source shared with the service under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubVerifier accepts a fixed secret per role.
type stubVerifier struct {
	secrets map[string]string
}

func (v *stubVerifier) Verify(ctx context.Context, role, secret string) error {
	want, ok := v.secrets[role]
	if !ok || want != secret {
		return errors.New("stub: mismatch")
	}
	return nil
}

func testSecrets() *stubVerifier {
	return &stubVerifier{secrets: map[string]string{
		"president":           "pres-pass",
		"treasurer":           "trea-pass",
		"secretary":           "sec-pass",
		"financial_secretary": "fin-pass",
	}}
}

// denyLimiter rejects every attempt.
type denyLimiter struct{}

func (denyLimiter) Allow(sessionID, role string, now time.Time) bool { return false }
func (denyLimiter) Fail(sessionID, role string, now time.Time)       {}
func (denyLimiter) Reset(sessionID, role string)                     {}

// countingLimiter denies once max failures have been recorded.
type countingLimiter struct {
	mu    sync.Mutex
	max   int
	fails map[string]int
}

func newCountingLimiter(max int) *countingLimiter {
	return &countingLimiter{max: max, fails: make(map[string]int)}
}

func (l *countingLimiter) Allow(sessionID, role string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fails[sessionID+"|"+role] < l.max
}

func (l *countingLimiter) Fail(sessionID, role string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fails[sessionID+"|"+role]++
}

func (l *countingLimiter) Reset(sessionID, role string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.fails, sessionID+"|"+role)
}

func (l *countingLimiter) failures(sessionID, role string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fails[sessionID+"|"+role]
}

// outageVerifier reports the credential store unreachable until healed.
type outageVerifier struct {
	mu    sync.Mutex
	down  bool
	inner *stubVerifier
}

func (v *outageVerifier) Verify(ctx context.Context, role, secret string) error {
	v.mu.Lock()
	down := v.down
	v.mu.Unlock()
	if down {
		return fmt.Errorf("%w: dial tcp 10.0.0.5:5432: connection refused", credential.ErrUnavailable)
	}
	return v.inner.Verify(ctx, role, secret)
}

func (v *outageVerifier) heal() {
	v.mu.Lock()
	v.down = false
	v.mu.Unlock()
}

func newTestService(t *testing.T, clock *fakeClock, opts ...ServiceOption) (*Service, *InMemoryStore, *events.Bus) {
	t.Helper()
	store := NewInMemoryStore()
	bus := events.NewBus()
	all := append([]ServiceOption{WithClock(clock.Now)}, opts...)
	svc, err := NewService(store, testSecrets(), bus, testTable(), all...)
	if err != nil {
		t.Fatalf("NewService() = %v", err)
	}
	return svc, store, bus
}

// drainEvents reads everything the bus delivered so far. Publishing happens
// synchronously before the service call returns, so no waiting is needed.
func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func countType(evts []events.Event, typ events.Type) int {
	n := 0
	for _, e := range evts {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestPresidentInitiatedApprovalWithThreeSignatures(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, _, bus := newTestService(t, clock)
	sub := bus.Subscribe(ctx)

	sess, err := svc.CreateSession(ctx, testTx, RolePresident)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}
	if sess.Requirement.RequiredCount != 3 {
		t.Fatalf("required count = %d, want 3", sess.Requirement.RequiredCount)
	}

	for _, step := range []struct {
		role       Role
		secret     string
		wantStatus Status
	}{
		{RolePresident, "pres-pass", StatusPending},
		{RoleTreasurer, "trea-pass", StatusPending},
		{RoleSecretary, "sec-pass", StatusApproved},
	} {
		view, err := svc.SubmitAuthorization(ctx, sess.ID, step.role, step.secret)
		if err != nil {
			t.Fatalf("SubmitAuthorization(%s) = %v", step.role, err)
		}
		if view.Status != step.wantStatus {
			t.Fatalf("after %s: status = %q, want %q", step.role, view.Status, step.wantStatus)
		}
	}

	evts := drainEvents(sub)
	if got := countType(evts, events.OfficerAuthorized); got != 3 {
		t.Fatalf("OfficerAuthorized events = %d, want 3", got)
	}
	if got := countType(evts, events.SessionApproved); got != 1 {
		t.Fatalf("SessionApproved events = %d, want 1", got)
	}
}

func TestNonPresidentInitiatedNeedsFourSignatures(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, _, _ := newTestService(t, clock)

	sess, err := svc.CreateSession(ctx, testTx, RoleTreasurer)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}
	if sess.Requirement.RequiredCount != 4 {
		t.Fatalf("required count = %d, want 4", sess.Requirement.RequiredCount)
	}

	view, err := svc.SubmitAuthorization(ctx, sess.ID, RolePresident, "pres-pass")
	if err != nil {
		t.Fatalf("SubmitAuthorization(president) = %v", err)
	}
	view, err = svc.SubmitAuthorization(ctx, sess.ID, RoleTreasurer, "trea-pass")
	if err != nil {
		t.Fatalf("SubmitAuthorization(treasurer) = %v", err)
	}
	view, err = svc.SubmitAuthorization(ctx, sess.ID, RoleSecretary, "sec-pass")
	if err != nil {
		t.Fatalf("SubmitAuthorization(secretary) = %v", err)
	}
	if view.Status != StatusPending {
		t.Fatalf("three of four signatures: status = %q, want pending", view.Status)
	}

	view, err = svc.SubmitAuthorization(ctx, sess.ID, RoleFinancialSecretary, "fin-pass")
	if err != nil {
		t.Fatalf("SubmitAuthorization(financial_secretary) = %v", err)
	}
	if view.Status != StatusApproved {
		t.Fatalf("fourth signature: status = %q, want approved", view.Status)
	}
}

func TestSubmitAuthorizationRejectsBadSecret(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, _, bus := newTestService(t, clock)
	sub := bus.Subscribe(ctx)

	sess, err := svc.CreateSession(ctx, testTx, RolePresident)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}

	if _, err := svc.SubmitAuthorization(ctx, sess.ID, RoleTreasurer, "wrong"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}

	view, err := svc.Status(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Status() = %v", err)
	}
	if view.AuthorizedCount != 0 || view.Status != StatusPending {
		t.Fatalf("failed attempt changed state: count=%d status=%q", view.AuthorizedCount, view.Status)
	}
	if evts := drainEvents(sub); len(evts) != 0 {
		t.Fatalf("failed attempt emitted %d events", len(evts))
	}
}

func TestSubmitAuthorizationIdempotentResubmit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, _, bus := newTestService(t, clock)
	sub := bus.Subscribe(ctx)

	sess, err := svc.CreateSession(ctx, testTx, RolePresident)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}

	for i := 0; i < 3; i++ {
		view, err := svc.SubmitAuthorization(ctx, sess.ID, RoleTreasurer, "trea-pass")
		if err != nil {
			t.Fatalf("SubmitAuthorization round %d = %v", i, err)
		}
		if view.AuthorizedCount != 1 {
			t.Fatalf("round %d: count = %d, want 1", i, view.AuthorizedCount)
		}
	}
	if got := countType(drainEvents(sub), events.OfficerAuthorized); got != 1 {
		t.Fatalf("OfficerAuthorized events = %d, want 1", got)
	}
}

func TestRetryAfterApprovalIsNoop(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, _, bus := newTestService(t, clock)
	sub := bus.Subscribe(ctx)

	sess, err := svc.CreateSession(ctx, testTx, RolePresident)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}
	for role, secret := range map[Role]string{
		RolePresident: "pres-pass",
		RoleTreasurer: "trea-pass",
		RoleSecretary: "sec-pass",
	} {
		if _, err := svc.SubmitAuthorization(ctx, sess.ID, role, secret); err != nil {
			t.Fatalf("SubmitAuthorization(%s) = %v", role, err)
		}
	}

	// Replaying the approving signature returns current state, no error.
	view, err := svc.SubmitAuthorization(ctx, sess.ID, RoleSecretary, "sec-pass")
	if err != nil {
		t.Fatalf("retry after approval = %v", err)
	}
	if view.Status != StatusApproved || view.AuthorizedCount != 3 {
		t.Fatalf("retry view = %+v", view)
	}

	// A wrong secret still fails, and a role that never signed is rejected.
	if _, err := svc.SubmitAuthorization(ctx, sess.ID, RoleSecretary, "wrong"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("wrong retry err = %v, want ErrInvalidCredential", err)
	}
	if _, err := svc.SubmitAuthorization(ctx, sess.ID, RoleFinancialSecretary, "fin-pass"); !errors.Is(err, ErrSessionNotActionable) {
		t.Fatalf("new role after approval err = %v, want ErrSessionNotActionable", err)
	}

	evts := drainEvents(sub)
	if got := countType(evts, events.SessionApproved); got != 1 {
		t.Fatalf("SessionApproved events = %d, want 1", got)
	}
	if got := countType(evts, events.OfficerAuthorized); got != 3 {
		t.Fatalf("OfficerAuthorized events = %d, want 3", got)
	}
}

func TestExpiryBeatsCorrectSecret(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, store, bus := newTestService(t, clock)
	sub := bus.Subscribe(ctx)

	sess, err := svc.CreateSession(ctx, testTx, RolePresident)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}
	if _, err := svc.SubmitAuthorization(ctx, sess.ID, RolePresident, "pres-pass"); err != nil {
		t.Fatalf("SubmitAuthorization(president) = %v", err)
	}

	clock.Advance(24*time.Hour + time.Second)

	if _, err := svc.SubmitAuthorization(ctx, sess.ID, RoleTreasurer, "trea-pass"); !errors.Is(err, ErrSessionNotActionable) {
		t.Fatalf("post-deadline err = %v, want ErrSessionNotActionable", err)
	}

	// The lazy check persists the transition.
	stored, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("store.Get() = %v", err)
	}
	if stored.Status != StatusExpired {
		t.Fatalf("stored status = %q, want expired", stored.Status)
	}

	evts := drainEvents(sub)
	if got := countType(evts, events.SessionExpired); got != 1 {
		t.Fatalf("SessionExpired events = %d, want 1", got)
	}
	if got := countType(evts, events.SessionApproved); got != 0 {
		t.Fatalf("SessionApproved events after deadline = %d, want 0", got)
	}
}

func TestCancelPendingSession(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, _, bus := newTestService(t, clock)
	sub := bus.Subscribe(ctx)

	sess, err := svc.CreateSession(ctx, testTx, RolePresident)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}
	if err := svc.Cancel(ctx, sess.ID, "duplicate request"); err != nil {
		t.Fatalf("Cancel() = %v", err)
	}

	if _, err := svc.SubmitAuthorization(ctx, sess.ID, RolePresident, "pres-pass"); !errors.Is(err, ErrSessionNotActionable) {
		t.Fatalf("submit after cancel err = %v, want ErrSessionNotActionable", err)
	}
	if err := svc.Cancel(ctx, sess.ID, "again"); !errors.Is(err, ErrSessionNotActionable) {
		t.Fatalf("second cancel err = %v, want ErrSessionNotActionable", err)
	}
	if got := countType(drainEvents(sub), events.SessionCancelled); got != 1 {
		t.Fatalf("SessionCancelled events = %d, want 1", got)
	}
}

func TestSubmitAuthorizationLockout(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, _, _ := newTestService(t, clock, WithLimiter(denyLimiter{}))

	sess, err := svc.CreateSession(ctx, testTx, RolePresident)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}
	if _, err := svc.SubmitAuthorization(ctx, sess.ID, RolePresident, "pres-pass"); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("err = %v, want ErrTooManyAttempts", err)
	}
}

func TestSubmitAuthorizationStoreOutage(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	verifier := &outageVerifier{down: true, inner: testSecrets()}
	lim := newCountingLimiter(2)
	svc, err := NewService(NewInMemoryStore(), verifier, events.NewBus(), testTable(),
		WithClock(clock.Now), WithLimiter(lim))
	if err != nil {
		t.Fatalf("NewService() = %v", err)
	}

	sess, err := svc.CreateSession(ctx, testTx, RolePresident)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}

	// An unreachable credential store is a retryable backend failure, not a
	// bad secret, and must not eat into the lockout budget.
	for i := 0; i < 3; i++ {
		_, err := svc.SubmitAuthorization(ctx, sess.ID, RoleTreasurer, "trea-pass")
		if !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("outage round %d err = %v, want ErrStoreUnavailable", i, err)
		}
		if errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("outage round %d misreported as ErrInvalidCredential", i)
		}
	}
	if n := lim.failures(sess.ID, string(RoleTreasurer)); n != 0 {
		t.Fatalf("outage recorded %d lockout failures, want 0", n)
	}

	verifier.heal()
	view, err := svc.SubmitAuthorization(ctx, sess.ID, RoleTreasurer, "trea-pass")
	if err != nil {
		t.Fatalf("SubmitAuthorization after recovery = %v", err)
	}
	if view.AuthorizedCount != 1 {
		t.Fatalf("count after recovery = %d, want 1", view.AuthorizedCount)
	}
}

func TestRetryAfterApprovalHitsLockout(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	lim := newCountingLimiter(2)
	svc, _, _ := newTestService(t, clock, WithLimiter(lim))

	sess, err := svc.CreateSession(ctx, testTx, RolePresident)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}
	for role, secret := range map[Role]string{
		RolePresident: "pres-pass",
		RoleTreasurer: "trea-pass",
		RoleSecretary: "sec-pass",
	} {
		if _, err := svc.SubmitAuthorization(ctx, sess.ID, role, secret); err != nil {
			t.Fatalf("SubmitAuthorization(%s) = %v", role, err)
		}
	}

	// Guessing against an approved session is throttled exactly like guessing
	// against a pending one.
	for i := 0; i < 2; i++ {
		if _, err := svc.SubmitAuthorization(ctx, sess.ID, RoleSecretary, "wrong"); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("wrong retry %d err = %v, want ErrInvalidCredential", i, err)
		}
	}
	if _, err := svc.SubmitAuthorization(ctx, sess.ID, RoleSecretary, "wrong"); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("err after lockout = %v, want ErrTooManyAttempts", err)
	}
	if _, err := svc.SubmitAuthorization(ctx, sess.ID, RoleSecretary, "sec-pass"); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("correct secret during lockout err = %v, want ErrTooManyAttempts", err)
	}
}

func TestSubmitAuthorizationUnknownSession(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, _, _ := newTestService(t, clock)

	if _, err := svc.SubmitAuthorization(ctx, "01JMISSING", RolePresident, "pres-pass"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := svc.SubmitAuthorization(ctx, "", RolePresident, "pres-pass"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty id err = %v, want ErrInvalidInput", err)
	}
}

// Exhaust every submission order for the president-initiated threshold; the
// outcome must not depend on arrival order.
func TestApprovalOrderIndependent(t *testing.T) {
	ctx := context.Background()
	signers := []struct {
		role   Role
		secret string
	}{
		{RolePresident, "pres-pass"},
		{RoleTreasurer, "trea-pass"},
		{RoleSecretary, "sec-pass"},
	}
	perms := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	for _, perm := range perms {
		clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
		svc, _, _ := newTestService(t, clock)
		sess, err := svc.CreateSession(ctx, testTx, RolePresident)
		if err != nil {
			t.Fatalf("CreateSession() = %v", err)
		}
		var last View
		for _, i := range perm {
			last, err = svc.SubmitAuthorization(ctx, sess.ID, signers[i].role, signers[i].secret)
			if err != nil {
				t.Fatalf("perm %v: SubmitAuthorization(%s) = %v", perm, signers[i].role, err)
			}
		}
		if last.Status != StatusApproved {
			t.Fatalf("perm %v: final status = %q, want approved", perm, last.Status)
		}
	}
}

func TestConcurrentSubmissionsAllLand(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, _, bus := newTestService(t, clock)
	sub := bus.Subscribe(ctx)

	sess, err := svc.CreateSession(ctx, testTx, RoleTreasurer)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}

	signers := map[Role]string{
		RolePresident:          "pres-pass",
		RoleTreasurer:          "trea-pass",
		RoleSecretary:          "sec-pass",
		RoleFinancialSecretary: "fin-pass",
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(signers))
	for role, secret := range signers {
		wg.Add(1)
		go func(role Role, secret string) {
			defer wg.Done()
			if _, err := svc.SubmitAuthorization(ctx, sess.ID, role, secret); err != nil {
				errCh <- err
			}
		}(role, secret)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent SubmitAuthorization = %v", err)
	}

	view, err := svc.Status(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Status() = %v", err)
	}
	if view.Status != StatusApproved || view.AuthorizedCount != 4 {
		t.Fatalf("status=%q count=%d, want approved/4", view.Status, view.AuthorizedCount)
	}

	evts := drainEvents(sub)
	if got := countType(evts, events.SessionApproved); got != 1 {
		t.Fatalf("SessionApproved events = %d, want exactly 1", got)
	}
	if got := countType(evts, events.OfficerAuthorized); got != 4 {
		t.Fatalf("OfficerAuthorized events = %d, want 4", got)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, store, bus := newTestService(t, clock)
	sub := bus.Subscribe(ctx)

	first, err := svc.CreateSession(ctx, testTx, RolePresident)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}
	second, err := svc.CreateSession(ctx, testTx, RoleTreasurer)
	if err != nil {
		t.Fatalf("CreateSession() = %v", err)
	}

	clock.Advance(25 * time.Hour)

	swept, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() = %v", err)
	}
	if len(swept) != 2 {
		t.Fatalf("swept %d sessions, want 2", len(swept))
	}
	for _, id := range []string{first.ID, second.ID} {
		stored, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("store.Get(%s) = %v", id, err)
		}
		if stored.Status != StatusExpired {
			t.Fatalf("session %s status = %q, want expired", id, stored.Status)
		}
	}

	// A second pass finds nothing and fires no more events.
	swept, err = svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("second SweepExpired() = %v", err)
	}
	if len(swept) != 0 {
		t.Fatalf("second sweep expired %d sessions, want 0", len(swept))
	}
	if got := countType(drainEvents(sub), events.SessionExpired); got != 2 {
		t.Fatalf("SessionExpired events = %d, want 2", got)
	}
}

func TestCreateSessionUnknownType(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, _, _ := newTestService(t, clock)

	tx := testTx
	tx.Type = "loan"
	if _, err := svc.CreateSession(ctx, tx, RolePresident); !errors.Is(err, ErrPolicyConfig) {
		t.Fatalf("err = %v, want ErrPolicyConfig", err)
	}
}

func TestStatusUnknownSession(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, _, _ := newTestService(t, clock)

	if _, err := svc.Status(ctx, "01JMISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
