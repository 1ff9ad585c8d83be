// Package directory resolves officer identities and the roles eligible to
// authorize each transaction class. Officers are reference data owned by an
// external service; this package is read-only over them.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"

	"mobigate.org/internal/authz"
)

// ErrNotFound indicates an unknown officer.
var ErrNotFound = errors.New("directory: officer not found")

// Officer is one named individual holding an authorization role.
type Officer struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Role        authz.Role `json:"role"`
	ImageRef    string     `json:"image_ref,omitempty"`
}

// Directory looks up officers and role eligibility.
type Directory interface {
	Officer(ctx context.Context, id string) (Officer, error)
	ListByRole(ctx context.Context, role authz.Role) ([]Officer, error)
	EligibleRoles(ctx context.Context, txType authz.TransactionType) ([]authz.Role, error)
}

// InMemory implements Directory over a fixed officer roster. The Postgres
// store in internal/store/pg is the durable counterpart.
type InMemory struct {
	mu       sync.RWMutex
	officers map[string]Officer
	eligible map[authz.TransactionType][]authz.Role
}

// NewInMemory creates a directory with the given eligibility table. A nil
// table makes every registered role eligible for every transaction type.
func NewInMemory(eligible map[authz.TransactionType][]authz.Role) *InMemory {
	return &InMemory{
		officers: make(map[string]Officer),
		eligible: eligible,
	}
}

var _ Directory = (*InMemory)(nil)

// Add registers an officer.
func (d *InMemory) Add(o Officer) error {
	if strings.TrimSpace(o.ID) == "" || o.Role == "" {
		return errors.New("directory: officer id and role are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.officers[o.ID] = o
	return nil
}

func (d *InMemory) Officer(ctx context.Context, id string) (Officer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.officers[id]
	if !ok {
		return Officer{}, ErrNotFound
	}
	return o, nil
}

func (d *InMemory) ListByRole(ctx context.Context, role authz.Role) ([]Officer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Officer
	for _, o := range d.officers {
		if o.Role == role {
			out = append(out, o)
		}
	}
	return out, nil
}

func (d *InMemory) EligibleRoles(ctx context.Context, txType authz.TransactionType) ([]authz.Role, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.eligible != nil {
		roles, ok := d.eligible[txType]
		if !ok {
			return nil, nil
		}
		return append([]authz.Role(nil), roles...), nil
	}
	seen := make(map[authz.Role]struct{})
	var out []authz.Role
	for _, o := range d.officers {
		if _, ok := seen[o.Role]; ok {
			continue
		}
		seen[o.Role] = struct{}{}
		out = append(out, o.Role)
	}
	return out, nil
}
