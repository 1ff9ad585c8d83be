package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"mobigate.org/internal/authz"
	"mobigate.org/internal/credential"
	"mobigate.org/internal/directory"
)

// CredentialStore resolves bcrypt hashes from the officer_credentials table.
type CredentialStore struct {
	db *sql.DB
}

var _ credential.Store = (*CredentialStore)(nil)

// NewCredentialStore wraps a pool.
func NewCredentialStore(db *sql.DB) *CredentialStore { return &CredentialStore{db: db} }

func (c *CredentialStore) HashForRole(ctx context.Context, role string) (string, error) {
	var hash string
	err := withRetry(ctx, func() error {
		err := c.db.QueryRowContext(ctx,
			`select secret_hash from officer_credentials where role=$1`,
			strings.ToLower(role)).Scan(&hash)
		if errors.Is(err, sql.ErrNoRows) {
			return credential.ErrNoRecord
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

// SetCredential upserts the hash of a new secret for role. Plaintext never
// reaches the database.
func (c *CredentialStore) SetCredential(ctx context.Context, role, secret string) error {
	hash, err := credential.HashSecret(secret)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := c.db.ExecContext(ctx, `
			insert into officer_credentials(role, secret_hash, updated_at)
			values ($1,$2,$3)
			on conflict (role) do update set secret_hash=excluded.secret_hash, updated_at=excluded.updated_at
		`, strings.ToLower(role), hash, time.Now().UTC())
		return err
	})
}

// DirectoryStore reads the officer roster and per-transaction-class role
// eligibility.
type DirectoryStore struct {
	db *sql.DB
}

var _ directory.Directory = (*DirectoryStore)(nil)

// NewDirectoryStore wraps a pool.
func NewDirectoryStore(db *sql.DB) *DirectoryStore { return &DirectoryStore{db: db} }

func (d *DirectoryStore) Officer(ctx context.Context, id string) (directory.Officer, error) {
	var o directory.Officer
	err := withRetry(ctx, func() error {
		var imageRef sql.NullString
		err := d.db.QueryRowContext(ctx,
			`select id, display_name, role, image_ref from officers where id=$1`,
			id).Scan(&o.ID, &o.DisplayName, &o.Role, &imageRef)
		if errors.Is(err, sql.ErrNoRows) {
			return directory.ErrNotFound
		}
		if err != nil {
			return err
		}
		o.ImageRef = imageRef.String
		return nil
	})
	if err != nil {
		return directory.Officer{}, err
	}
	return o, nil
}

func (d *DirectoryStore) ListByRole(ctx context.Context, role authz.Role) ([]directory.Officer, error) {
	var out []directory.Officer
	err := withRetry(ctx, func() error {
		rows, err := d.db.QueryContext(ctx,
			`select id, display_name, role, coalesce(image_ref,'') from officers where role=$1 order by display_name`,
			role)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var o directory.Officer
			if err := rows.Scan(&o.ID, &o.DisplayName, &o.Role, &o.ImageRef); err != nil {
				return err
			}
			out = append(out, o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DirectoryStore) EligibleRoles(ctx context.Context, txType authz.TransactionType) ([]authz.Role, error) {
	var out []authz.Role
	err := withRetry(ctx, func() error {
		rows, err := d.db.QueryContext(ctx,
			`select role from transaction_eligibility where transaction_type=$1 order by role`,
			txType)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var role authz.Role
			if err := rows.Scan(&role); err != nil {
				return err
			}
			out = append(out, role)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
