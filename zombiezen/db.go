// Package zombiezen persists successful renewals to SQLite using
// zombiezen.com/go/sqlite.
package zombiezen

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/caasmo/restinpieces-renewal"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Db implements the renewal.ArchiveWriter interface using zombiezen/sqlite.
type Db struct {
	pool *sqlitex.Pool
}

// NewWriter creates a new Db instance satisfying the ArchiveWriter interface.
// It expects the sqlitex.Pool to be created and managed externally.
func NewWriter(pool *sqlitex.Pool) *Db {
	if pool == nil {
		panic("zombiezen.NewWriter: received nil pool")
	}
	return &Db{pool: pool}
}

// Migrate creates the archive table if it does not exist.
func (d *Db) Migrate(ctx context.Context) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	err = sqlitex.ExecuteScript(conn,
		`CREATE TABLE IF NOT EXISTS renewed_certificates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identifier TEXT NOT NULL,
			domains TEXT NOT NULL,
			certificate_chain TEXT NOT NULL,
			private_key TEXT NOT NULL,
			issued_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		);`, nil)
	if err != nil {
		return fmt.Errorf("db: failed to run migration: %w", err)
	}
	return nil
}

// AddCert adds a new row to the 'renewed_certificates' table.
func (d *Db) AddCert(cert renewal.ArchivedCert) error {
	conn, err := d.pool.Take(context.TODO())
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	domains, err := json.Marshal(cert.Domains)
	if err != nil {
		return fmt.Errorf("db: failed to encode domains for identifier %q: %w", cert.Identifier, err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO renewed_certificates (
			identifier, domains, certificate_chain, private_key, issued_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []interface{}{
				cert.Identifier,
				string(domains),
				cert.CertificatePEM,
				cert.PrivateKeyPEM,
				renewal.TimeFormat(cert.IssuedAt),
				renewal.TimeFormat(cert.ExpiresAt),
			},
		})

	if err != nil {
		return fmt.Errorf("db: failed to insert certificate for identifier %q: %w", cert.Identifier, err)
	}
	return nil
}
