package authz

import (
	"time"
)

// Role identifies an officer's authorization role. Roles are reference data
// owned by the officer directory; the authorization core only compares them.
type Role string

const (
	RolePresident          Role = "president"
	RoleTreasurer          Role = "treasurer"
	RoleSecretary          Role = "secretary"
	RoleFinancialSecretary Role = "financial_secretary"
)

// TransactionType classifies sensitive treasury operations.
type TransactionType string

const (
	TransactionTransfer     TransactionType = "transfer"
	TransactionWithdrawal   TransactionType = "withdrawal"
	TransactionDisbursement TransactionType = "disbursement"
)

// Transaction describes the operation awaiting authorization. Amount is in
// minor units. Everything beyond Type is opaque to this core; it is carried
// for display and audit only and never interpreted here.
type Transaction struct {
	Type        TransactionType `json:"type"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	Recipient   string          `json:"recipient"`
	Description string          `json:"description"`
	BankDetails string          `json:"bank_details,omitempty"`
}

// Requirement is the signatory rule snapshot bound to a session at creation.
// RequiredCount is already resolved for the session's initiator role, so a
// policy-table change never retroactively affects an in-flight session.
type Requirement struct {
	RequiredCount   int      `json:"required_count"`
	MandatoryRoles  []Role   `json:"mandatory_roles"`
	AlternateGroups [][]Role `json:"alternate_groups"`
}

// Status is the session lifecycle state. Pending is the only non-terminal
// state; terminal states are final.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusExpired || s == StatusCancelled
}

// Session is the authorization aggregate: one pending transaction plus the
// officer authorizations collected so far.
type Session struct {
	ID             string             `json:"id"`
	Transaction    Transaction        `json:"transaction"`
	InitiatorRole  Role               `json:"initiator_role"`
	Requirement    Requirement        `json:"requirement"`
	Status         Status             `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
	ApprovedAt     *time.Time         `json:"approved_at,omitempty"`
	CancelledAt    *time.Time         `json:"cancelled_at,omitempty"`
	CancelReason   string             `json:"cancel_reason,omitempty"`
	Authorizations map[Role]time.Time `json:"authorizations"`

	// Version guards optimistic-concurrency updates in durable stores.
	Version uint64 `json:"version"`
}

// View is the read-only projection returned to callers. Computing it never
// mutates the session; a pending session past its deadline is reported as
// expired even before the sweep commits the transition.
type View struct {
	SessionID       string        `json:"session_id"`
	Status          Status        `json:"status"`
	AuthorizedCount int           `json:"authorized_count"`
	RequiredCount   int           `json:"required_count"`
	AuthorizedRoles []Role        `json:"authorized_roles"`
	TimeRemaining   time.Duration `json:"time_remaining"`
	ExpiresAt       time.Time     `json:"expires_at"`
}
