package authz

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"mobigate.org/internal/credential"
	"mobigate.org/internal/events"
	"mobigate.org/internal/obs"
)

const (
	// DefaultTTL matches the 24-hour authorization window treasurers expect.
	DefaultTTL = 24 * time.Hour

	putAttempts = 3
	lockStripes = 64
)

// CredentialVerifier validates an officer's secret for a role. A nil return
// means verified; anything else leaves the session untouched.
type CredentialVerifier interface {
	Verify(ctx context.Context, role, secret string) error
}

// AttemptLimiter throttles credential attempts per (session, role) pair.
type AttemptLimiter interface {
	Allow(sessionID, role string, now time.Time) bool
	Fail(sessionID, role string, now time.Time)
	Reset(sessionID, role string)
}

// Service coordinates sessions, credential verification, threshold policy
// and event emission. Submissions on one session are serialized through
// striped mutexes; the store's version CAS is the cross-process backstop.
type Service struct {
	store    SessionStore
	verifier CredentialVerifier
	limiter  AttemptLimiter
	bus      *events.Bus
	table    *PolicyTable
	ttl      time.Duration
	now      func() time.Time

	locks [lockStripes]sync.Mutex
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithTTL overrides the session time-to-live.
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLimiter installs a credential attempt limiter.
func WithLimiter(l AttemptLimiter) ServiceOption {
	return func(s *Service) { s.limiter = l }
}

// NewService validates the policy table up front; an inconsistent table is a
// startup failure, not a per-request one.
func NewService(store SessionStore, verifier CredentialVerifier, bus *events.Bus, table *PolicyTable, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("authz: session store is required")
	}
	if verifier == nil {
		return nil, errors.New("authz: credential verifier is required")
	}
	if table == nil {
		return nil, fmt.Errorf("%w: policy table is required", ErrPolicyConfig)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:    store,
		verifier: verifier,
		bus:      bus,
		table:    table,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateSession opens an authorization workflow for one transaction attempt.
// The requirement snapshot is resolved here and never recomputed.
func (s *Service) CreateSession(ctx context.Context, tx Transaction, initiator Role) (Session, error) {
	req, err := s.table.RequirementFor(tx.Type, initiator)
	if err != nil {
		return Session{}, err
	}
	sess, err := NewSession(tx, initiator, req, s.ttl, s.now())
	if err != nil {
		return Session{}, err
	}
	if err := s.store.Put(ctx, sess); err != nil {
		return Session{}, storeErr(err)
	}
	obs.SessionCreated(string(tx.Type))
	return sess.Clone(), nil
}

// SubmitAuthorization verifies one officer credential against the session.
// Expiry takes precedence over approval: a correct secret arriving past the
// deadline gets ErrSessionNotActionable, never a late approval. Re-submitting
// a role that already authorized is a no-op returning current state.
func (s *Service) SubmitAuthorization(ctx context.Context, sessionID string, role Role, secret string) (View, error) {
	if sessionID == "" || role == "" {
		return View{}, fmt.Errorf("%w: session id and role are required", ErrInvalidInput)
	}
	unlock := s.lock(sessionID)
	defer unlock()

	now := s.now()
	var view View
	var emit []events.Event
	err := s.update(ctx, sessionID, func(sess *Session) error {
		emit = emit[:0]
		if sess.markExpired(now) {
			emit = append(emit, events.Event{Type: events.SessionExpired, SessionID: sess.ID})
			view = sess.ViewAt(now)
			return errCommit{ErrSessionNotActionable}
		}
		if !sess.Actionable(now) {
			view = sess.ViewAt(now)
			// Retrying a correct credential against an approved session is a
			// no-op returning current state; only expired and cancelled
			// sessions reject outright.
			if sess.Status == StatusApproved {
				if _, ok := sess.Authorizations[role]; ok {
					if err := s.checkCredential(ctx, sess.ID, role, secret, now); err != nil {
						return err
					}
					return errNoop
				}
			}
			return ErrSessionNotActionable
		}

		if err := s.checkCredential(ctx, sess.ID, role, secret, now); err != nil {
			return err
		}

		newRole, approved := sess.recordAuthorization(role, now)
		if newRole {
			emit = append(emit, events.Event{Type: events.OfficerAuthorized, SessionID: sess.ID, Role: string(role)})
		}
		if approved {
			emit = append(emit, events.Event{Type: events.SessionApproved, SessionID: sess.ID})
		}
		view = sess.ViewAt(now)
		return nil
	})
	// Events and outcome metrics fire only for committed transitions.
	if err == nil || errors.Is(err, ErrSessionNotActionable) {
		s.emitAll(emit)
	}
	if err != nil {
		return view, err
	}
	return view, nil
}

// checkCredential runs one limiter-gated verification attempt. A credential
// store outage surfaces as ErrStoreUnavailable and is never counted against
// the lockout budget; only a definite mismatch is.
func (s *Service) checkCredential(ctx context.Context, sessionID string, role Role, secret string, now time.Time) error {
	if s.limiter != nil && !s.limiter.Allow(sessionID, string(role), now) {
		obs.CredentialLockout()
		return ErrTooManyAttempts
	}
	if err := s.verifier.Verify(ctx, string(role), secret); err != nil {
		if errors.Is(err, credential.ErrUnavailable) {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if s.limiter != nil {
			s.limiter.Fail(sessionID, string(role), now)
		}
		obs.CredentialFailure()
		return ErrInvalidCredential
	}
	if s.limiter != nil {
		s.limiter.Reset(sessionID, string(role))
	}
	return nil
}

// Expire transitions a pending session past its deadline. Idempotent and
// safe to call from both the sweep and lazy checks; the transition and its
// event fire at most once.
func (s *Service) Expire(ctx context.Context, sessionID string) error {
	unlock := s.lock(sessionID)
	defer unlock()

	now := s.now()
	expired := false
	err := s.update(ctx, sessionID, func(sess *Session) error {
		expired = sess.markExpired(now)
		if !expired {
			return errNoop
		}
		return nil
	})
	if err != nil {
		return err
	}
	if expired {
		s.emitAll([]events.Event{{Type: events.SessionExpired, SessionID: sessionID}})
	}
	return nil
}

// Cancel aborts a pending session on behalf of the initiator or an admin.
func (s *Service) Cancel(ctx context.Context, sessionID, reason string) error {
	unlock := s.lock(sessionID)
	defer unlock()

	now := s.now()
	var emit []events.Event
	err := s.update(ctx, sessionID, func(sess *Session) error {
		emit = emit[:0]
		if sess.markExpired(now) {
			emit = append(emit, events.Event{Type: events.SessionExpired, SessionID: sess.ID})
			return errCommit{ErrSessionNotActionable}
		}
		if err := sess.markCancelled(reason, now); err != nil {
			return err
		}
		emit = append(emit, events.Event{Type: events.SessionCancelled, SessionID: sess.ID})
		return nil
	})
	if err == nil || errors.Is(err, ErrSessionNotActionable) {
		s.emitAll(emit)
	}
	return err
}

// Status returns the read-only projection. Never mutates state.
func (s *Service) Status(ctx context.Context, sessionID string) (View, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return View{}, storeErr(err)
	}
	return sess.ViewAt(s.now()), nil
}

// SweepExpired expires every pending session past its deadline and returns
// the affected ids for audit logging.
func (s *Service) SweepExpired(ctx context.Context) ([]string, error) {
	candidates, err := s.store.ExpiredPending(ctx, s.now())
	if err != nil {
		return nil, storeErr(err)
	}
	var swept []string
	for _, id := range candidates {
		err := s.Expire(ctx, id)
		switch {
		case err == nil:
			swept = append(swept, id)
		case errors.Is(err, ErrNotFound):
			// Session removed between listing and expiry; nothing to do.
		default:
			return swept, err
		}
	}
	return swept, nil
}

// StartSweeper runs SweepExpired at the given interval until the returned
// stop function is called. The sweep is independent of any read request so
// sessions expire even when nobody queries them.
func (s *Service) StartSweeper(interval time.Duration, onSweep func(ids []string)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ids, err := s.SweepExpired(ctx)
				if err != nil {
					continue
				}
				if len(ids) > 0 && onSweep != nil {
					onSweep(ids)
				}
			}
		}
	}()
	return cancel
}

// update runs one read-mutate-write cycle, retrying on version conflicts so
// concurrent submissions for different roles both land. mutate returning
// errNoop skips the write; errCommit writes the mutation then surfaces the
// wrapped error to the caller.
func (s *Service) update(ctx context.Context, sessionID string, mutate func(*Session) error) error {
	var lastErr error
	for attempt := 0; attempt < putAttempts; attempt++ {
		sess, err := s.store.Get(ctx, sessionID)
		if err != nil {
			return storeErr(err)
		}
		mutateErr := mutate(&sess)
		var commit errCommit
		switch {
		case mutateErr == nil:
		case errors.Is(mutateErr, errNoop):
			return nil
		case errors.As(mutateErr, &commit):
		default:
			return mutateErr
		}
		if err := s.store.Put(ctx, sess); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return storeErr(err)
		}
		if commit.err != nil {
			return commit.err
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

// emitAll publishes committed transitions and bumps the matching counters.
func (s *Service) emitAll(evts []events.Event) {
	for _, evt := range evts {
		evt.At = s.now().UTC()
		switch evt.Type {
		case events.OfficerAuthorized:
			obs.AuthorizationRecorded()
		case events.SessionApproved:
			obs.SessionFinished("approved")
		case events.SessionExpired:
			obs.SessionFinished("expired")
		case events.SessionCancelled:
			obs.SessionFinished("cancelled")
		}
		if s.bus != nil {
			s.bus.Publish(evt)
		}
	}
}

func (s *Service) lock(sessionID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	m := &s.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// errNoop signals that mutate changed nothing and the write can be skipped.
var errNoop = errors.New("authz: no-op")

// errCommit asks update to persist the mutation and then return err.
type errCommit struct{ err error }

func (e errCommit) Error() string { return e.err.Error() }

func storeErr(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
