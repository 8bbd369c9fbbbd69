package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
	"github.com/iotedge-spiffe/workload-identity/internal/model"
)

// SQLite is a SQL-backed Catalog backend, a third option beyond the two the
// spec mandates (memory, filekv). Real SPIRE ships a SQL datastore plugin
// for exactly this reason: operators who already run a database would
// rather point the control plane at it than manage flat files. The SQL
// driver is selected at build time (see sqlite_cgo.go / sqlite_purego.go).
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS jwks (
	trust_domain TEXT NOT NULL,
	kid TEXT NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY (trust_domain, kid)
);
CREATE TABLE IF NOT EXISTS bundle_version (
	trust_domain TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);
`

// OpenSQLite opens (or creates) a sqlite-backed Catalog at dsn, a file path
// or ":memory:".
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers anyway; keep it simple.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.Internal.Wrap(err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) BatchGet(ctx context.Context, ids []string) ([]EntryResult, error) {
	out := make([]EntryResult, len(ids))
	for i, id := range ids {
		e, err := s.GetEntry(ctx, id)
		if err != nil {
			out[i] = EntryResult{ID: id, Err: err}
			continue
		}
		ec := e
		out[i] = EntryResult{ID: id, Entry: &ec}
	}
	return out, nil
}

func (s *SQLite) BatchCreate(ctx context.Context, entries []model.RegistrationEntry) ([]EntryResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}
	defer tx.Rollback()

	out := make([]EntryResult, len(entries))
	for i, e := range entries {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT 1 FROM entries WHERE id = ?", e.ID).Scan(&exists); err == nil {
			out[i] = EntryResult{ID: e.ID, Err: apperrors.AlreadyExists.New("entry %q already exists", e.ID)}
			continue
		} else if err != sql.ErrNoRows {
			return nil, apperrors.Internal.Wrap(err)
		}

		data, err := json.Marshal(e)
		if err != nil {
			return nil, apperrors.Internal.Wrap(err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO entries (id, data) VALUES (?, ?)", e.ID, string(data)); err != nil {
			return nil, apperrors.Internal.Wrap(err)
		}
		ec := e
		out[i] = EntryResult{ID: e.ID, Entry: &ec}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}
	return out, nil
}

func (s *SQLite) BatchUpdate(ctx context.Context, entries []model.RegistrationEntry) ([]EntryResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}
	defer tx.Rollback()

	out := make([]EntryResult, len(entries))
	for i, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, apperrors.Internal.Wrap(err)
		}
		res, err := tx.ExecContext(ctx, "UPDATE entries SET data = ? WHERE id = ?", string(data), e.ID)
		if err != nil {
			return nil, apperrors.Internal.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, apperrors.Internal.Wrap(err)
		}
		if n == 0 {
			out[i] = EntryResult{ID: e.ID, Err: apperrors.NotFound.New("entry %q not found", e.ID)}
			continue
		}
		ec := e
		out[i] = EntryResult{ID: e.ID, Entry: &ec}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}
	return out, nil
}

func (s *SQLite) BatchDelete(ctx context.Context, ids []string) ([]EntryResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}
	defer tx.Rollback()

	out := make([]EntryResult, len(ids))
	for i, id := range ids {
		res, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
		if err != nil {
			return nil, apperrors.Internal.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, apperrors.Internal.Wrap(err)
		}
		if n == 0 {
			out[i] = EntryResult{ID: id, Err: apperrors.NotFound.New("entry %q not found", id)}
			continue
		}
		out[i] = EntryResult{ID: id}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal.Wrap(err)
	}
	return out, nil
}

func (s *SQLite) ListAll(ctx context.Context, pageToken string, pageSize int) ([]model.RegistrationEntry, string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data FROM entries WHERE id > ? ORDER BY id ASC LIMIT ?", pageToken, pageSize)
	if err != nil {
		return nil, "", apperrors.Internal.Wrap(err)
	}
	defer rows.Close()

	var out []model.RegistrationEntry
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, "", apperrors.Internal.Wrap(err)
		}
		var e model.RegistrationEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, "", apperrors.Internal.Wrap(err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", apperrors.Internal.Wrap(err)
	}

	next := ""
	if len(out) == pageSize {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (s *SQLite) GetEntry(ctx context.Context, id string) (model.RegistrationEntry, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM entries WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return model.RegistrationEntry{}, apperrors.NotFound.New("entry %q not found", id)
	}
	if err != nil {
		return model.RegistrationEntry{}, apperrors.Internal.Wrap(err)
	}
	var e model.RegistrationEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return model.RegistrationEntry{}, apperrors.Internal.Wrap(err)
	}
	return e, nil
}

func (s *SQLite) AddJWK(ctx context.Context, trustDomain string, jwk model.JWK) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}
	defer tx.Rollback()

	data, err := json.Marshal(jwk)
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO jwks (trust_domain, kid, data) VALUES (?, ?, ?) ON CONFLICT(trust_domain, kid) DO UPDATE SET data = excluded.data",
		trustDomain, jwk.Kid, string(data)); err != nil {
		return apperrors.Internal.Wrap(err)
	}
	if err := bumpVersion(ctx, tx, trustDomain); err != nil {
		return err
	}
	return apperrors.Internal.Wrap(tx.Commit())
}

func (s *SQLite) RemoveJWK(ctx context.Context, trustDomain string, kid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM jwks WHERE trust_domain = ? AND kid = ?", trustDomain, kid)
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal.Wrap(err)
	}
	if n == 0 {
		return apperrors.NotFound.New("jwk %q not found", kid)
	}
	if err := bumpVersion(ctx, tx, trustDomain); err != nil {
		return err
	}
	return apperrors.Internal.Wrap(tx.Commit())
}

func (s *SQLite) GetJWKs(ctx context.Context, trustDomain string) ([]model.JWK, int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM jwks WHERE trust_domain = ? ORDER BY kid ASC", trustDomain)
	if err != nil {
		return nil, 0, apperrors.Internal.Wrap(err)
	}
	defer rows.Close()

	var out []model.JWK
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, 0, apperrors.Internal.Wrap(err)
		}
		var jwk model.JWK
		if err := json.Unmarshal([]byte(data), &jwk); err != nil {
			return nil, 0, apperrors.Internal.Wrap(err)
		}
		out = append(out, jwk)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperrors.Internal.Wrap(err)
	}

	var version int64
	err = s.db.QueryRowContext(ctx, "SELECT version FROM bundle_version WHERE trust_domain = ?", trustDomain).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return nil, 0, apperrors.Internal.Wrap(err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Kid < out[j].Kid })
	return out, version, nil
}

func bumpVersion(ctx context.Context, tx *sql.Tx, trustDomain string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO bundle_version (trust_domain, version) VALUES (?, 1)
		 ON CONFLICT(trust_domain) DO UPDATE SET version = version + 1`,
		trustDomain)
	return apperrors.Internal.Wrap(err)
}
