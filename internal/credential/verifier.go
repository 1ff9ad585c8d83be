// Package credential validates officer authorization secrets against hashed
// records held by an identity store. Secrets are never stored or compared in
// plaintext and unknown roles fail closed.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrMismatch indicates the secret did not verify. Unknown roles return
	// the same error so a probe cannot distinguish the two cases.
	ErrMismatch = errors.New("credential: mismatch")

	// ErrUnavailable indicates the backing store failed transiently.
	ErrUnavailable = errors.New("credential: store unavailable")
)

// Store resolves the stored bcrypt hash for an officer role.
type Store interface {
	HashForRole(ctx context.Context, role string) (string, error)
}

// ErrNoRecord is returned by stores when no credential exists for a role.
var ErrNoRecord = errors.New("credential: no record")

// HashSecret hashes a plaintext secret for storage.
func HashSecret(secret string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("credential: secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verifier checks a submitted secret for a role. bcrypt's comparison is
// constant-time over the digest, so timing does not leak match prefixes.
type Verifier struct {
	store Store
}

// NewVerifier wraps a credential store.
func NewVerifier(store Store) *Verifier {
	return &Verifier{store: store}
}

// Verify returns nil when the secret matches the stored hash for role.
// Unknown role and wrong secret are both ErrMismatch: fail closed, never an
// error a caller could misread as success.
func (v *Verifier) Verify(ctx context.Context, role, secret string) error {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" || secret == "" {
		return ErrMismatch
	}
	hash, err := v.store.HashForRole(ctx, role)
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			// Burn a comparison anyway so absent roles cost the same.
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
			return ErrMismatch
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrMismatch
	}
	return nil
}

// dummyHash is a valid bcrypt digest of an unguessable value, used to keep
// unknown-role verification on the same code path cost.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("mobigate-dummy-credential"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// InMemoryStore is a map-backed Store for tests and local development.
type InMemoryStore struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{hashes: make(map[string]string)}
}

var _ Store = (*InMemoryStore)(nil)

// Set stores the hash of secret for role.
func (m *InMemoryStore) Set(role, secret string) error {
	hash, err := HashSecret(secret)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[strings.ToLower(role)] = hash
	return nil
}

func (m *InMemoryStore) HashForRole(ctx context.Context, role string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.hashes[strings.ToLower(role)]
	if !ok {
		return "", ErrNoRecord
	}
	return hash, nil
}
