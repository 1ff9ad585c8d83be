package authz

import (
	"fmt"
	"time"

	"mobigate.org/internal/ids"
)

// NewSession snapshots the requirement and fixes the deadline at creation.
// The snapshot is never recomputed mid-flight.
func NewSession(tx Transaction, initiator Role, req Requirement, ttl time.Duration, now time.Time) (Session, error) {
	if tx.Type == "" {
		return Session{}, fmt.Errorf("%w: transaction type is required", ErrInvalidInput)
	}
	if initiator == "" {
		return Session{}, fmt.Errorf("%w: initiator role is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return Session{}, fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}
	now = now.UTC()
	return Session{
		ID:             ids.New(),
		Transaction:    tx,
		InitiatorRole:  initiator,
		Requirement:    req,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		Authorizations: make(map[Role]time.Time),
	}, nil
}

// Actionable reports whether the session can still accept authorizations.
func (s *Session) Actionable(now time.Time) bool {
	return s.Status == StatusPending && now.Before(s.ExpiresAt)
}

// recordAuthorization applies one verified authorization. Re-submission by a
// role that already authorized refreshes its timestamp without changing the
// count (newRole=false). When the threshold transitions false->true the
// session moves to Approved; that transition fires exactly once per session.
func (s *Session) recordAuthorization(role Role, now time.Time) (newRole, approved bool) {
	_, seen := s.Authorizations[role]
	s.Authorizations[role] = now.UTC()
	newRole = !seen

	if s.Status != StatusPending {
		return newRole, false
	}
	if Satisfied(s.authorizedSet(), s.Requirement) {
		s.Status = StatusApproved
		at := now.UTC()
		s.ApprovedAt = &at
		return newRole, true
	}
	return newRole, false
}

// markExpired flips a pending session past its deadline. Idempotent: calling
// it on an already-terminal session reports false so side effects never fire
// twice, whether the caller is the sweep or a lazy check on a write path.
func (s *Session) markExpired(now time.Time) bool {
	if s.Status != StatusPending || now.Before(s.ExpiresAt) {
		return false
	}
	s.Status = StatusExpired
	return true
}

// markCancelled aborts a pending session. Valid only while Pending.
func (s *Session) markCancelled(reason string, now time.Time) error {
	if s.Status != StatusPending {
		return ErrSessionNotActionable
	}
	s.Status = StatusCancelled
	at := now.UTC()
	s.CancelledAt = &at
	s.CancelReason = reason
	return nil
}

func (s *Session) authorizedSet() map[Role]struct{} {
	set := make(map[Role]struct{}, len(s.Authorizations))
	for role := range s.Authorizations {
		set[role] = struct{}{}
	}
	return set
}

// ViewAt is the pure status projection. It derives an effective Expired state
// for a pending session past its deadline without mutating anything; the
// authoritative transition still happens through the expire path.
func (s *Session) ViewAt(now time.Time) View {
	status := s.Status
	remaining := s.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	if status == StatusPending && !now.Before(s.ExpiresAt) {
		status = StatusExpired
	}
	if status.Terminal() {
		remaining = 0
	}
	roles := make([]Role, 0, len(s.Authorizations))
	for role := range s.Authorizations {
		roles = append(roles, role)
	}
	return View{
		SessionID:       s.ID,
		Status:          status,
		AuthorizedCount: len(s.Authorizations),
		RequiredCount:   s.Requirement.RequiredCount,
		AuthorizedRoles: roles,
		TimeRemaining:   remaining,
		ExpiresAt:       s.ExpiresAt,
	}
}

// Clone returns a deep copy safe to hand across goroutines.
func (s Session) Clone() Session {
	out := s
	out.Authorizations = make(map[Role]time.Time, len(s.Authorizations))
	for k, v := range s.Authorizations {
		out.Authorizations[k] = v
	}
	if s.ApprovedAt != nil {
		at := *s.ApprovedAt
		out.ApprovedAt = &at
	}
	if s.CancelledAt != nil {
		at := *s.CancelledAt
		out.CancelledAt = &at
	}
	out.Requirement.MandatoryRoles = append([]Role(nil), s.Requirement.MandatoryRoles...)
	out.Requirement.AlternateGroups = make([][]Role, len(s.Requirement.AlternateGroups))
	for i, g := range s.Requirement.AlternateGroups {
		out.Requirement.AlternateGroups[i] = append([]Role(nil), g...)
	}
	return out
}
