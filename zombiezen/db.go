package zombiezen

import (
	"context"
	"fmt"
	"time"

	"github.com/caasmo/restinpieces-tunnelcert"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Schema creates the issuance history table.
const Schema = `
CREATE TABLE IF NOT EXISTS certificates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier TEXT NOT NULL,
	domain TEXT NOT NULL,
	certificate_chain TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
);
`

// Db implements the tunnelcert.HistoryWriter interface using zombiezen/sqlite.
type Db struct {
	pool *sqlitex.Pool
}

// NewHistory creates a new Db instance recording issuance history. The
// sqlitex.Pool is created and managed externally.
func NewHistory(pool *sqlitex.Pool) *Db {
	if pool == nil {
		panic("zombiezen.NewHistory: received nil pool")
	}
	return &Db{pool: pool}
}

// EnsureSchema creates the certificates table if it does not exist yet.
func (d *Db) EnsureSchema(ctx context.Context) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, Schema, nil); err != nil {
		return fmt.Errorf("db: failed to apply schema: %w", err)
	}
	return nil
}

// AddCert appends a new issuance record to the 'certificates' table.
func (d *Db) AddCert(cert tunnelcert.Cert) error {
	conn, err := d.pool.Take(context.TODO())
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO certificates (
			identifier, domain, certificate_chain, issued_at, expires_at
		) VALUES (?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []interface{}{
				cert.Identifier,
				cert.Domain,
				cert.CertificateChain,
				tunnelcert.TimeFormat(cert.IssuedAt),
				tunnelcert.TimeFormat(cert.ExpiresAt),
			},
		})

	if err != nil {
		return fmt.Errorf("db: failed to insert certificate for identifier %q: %w", cert.Identifier, err)
	}
	return nil
}

// GetLatest returns the most recent issuance record, or nil when the history
// is empty.
func (d *Db) GetLatest() (*tunnelcert.Cert, error) {
	conn, err := d.pool.Take(context.TODO())
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	var found *tunnelcert.Cert
	err = sqlitex.Execute(conn,
		`SELECT id, identifier, domain, certificate_chain, issued_at, expires_at
		 FROM certificates ORDER BY issued_at DESC, id DESC LIMIT 1;`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				issuedAt, err := time.Parse(time.RFC3339, stmt.ColumnText(4))
				if err != nil {
					return fmt.Errorf("parse issued_at: %w", err)
				}
				expiresAt, err := time.Parse(time.RFC3339, stmt.ColumnText(5))
				if err != nil {
					return fmt.Errorf("parse expires_at: %w", err)
				}
				found = &tunnelcert.Cert{
					ID:               stmt.ColumnInt64(0),
					Identifier:       stmt.ColumnText(1),
					Domain:           stmt.ColumnText(2),
					CertificateChain: stmt.ColumnText(3),
					IssuedAt:         issuedAt,
					ExpiresAt:        expiresAt,
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to query latest certificate: %w", err)
	}
	return found, nil
}
