package authz

import "errors"

var (
	// ErrNotFound indicates an unknown session identifier.
	ErrNotFound = errors.New("authz: session not found")

	// ErrInvalidCredential indicates the submitted secret did not verify for
	// the role. The session is left untouched.
	ErrInvalidCredential = errors.New("authz: invalid credential")

	// ErrSessionNotActionable indicates the session is terminal or past its
	// deadline. Recoverable only by creating a new session.
	ErrSessionNotActionable = errors.New("authz: session not actionable")

	// ErrTooManyAttempts indicates the (session, role) pair is locked out
	// after repeated credential failures.
	ErrTooManyAttempts = errors.New("authz: too many failed attempts")

	// ErrPolicyConfig indicates an inconsistent requirement table. Raised at
	// configuration load, never per request.
	ErrPolicyConfig = errors.New("authz: invalid policy configuration")

	// ErrStoreUnavailable indicates a transient storage failure. Safe to
	// retry with backoff; never to be read as "not approved".
	ErrStoreUnavailable = errors.New("authz: store unavailable")

	// ErrVersionConflict is returned by stores when a concurrent writer won.
	// The service retries the whole read-mutate-write cycle.
	ErrVersionConflict = errors.New("authz: version conflict")

	// ErrInvalidInput covers malformed caller input (empty role, bad type).
	ErrInvalidInput = errors.New("authz: invalid input")
)
