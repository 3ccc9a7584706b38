package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/LeanderBB/you-have-mail-cli/internal/secrets"
	"github.com/LeanderBB/you-have-mail-cli/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// seenRetention bounds how long seen-message ids are kept. Anything a backend
// still reports after this window will be notified again, which beats growing
// the table forever.
const seenRetention = 90 * 24 * time.Hour

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutBlob(ctx context.Context, email string, b secrets.Blob) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secret_blob(email, scheme, key_id, nonce, data, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(email) DO UPDATE SET
		   scheme=excluded.scheme, key_id=excluded.key_id,
		   nonce=excluded.nonce, data=excluded.data, updated_at=excluded.updated_at`,
		email, b.Scheme, b.KeyID, b.Nonce, b.Data, time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetBlob(ctx context.Context, email string) (secrets.Blob, bool, error) {
	if s == nil || s.db == nil {
		return secrets.Blob{}, false, ErrDisabled
	}
	var b secrets.Blob
	row := s.db.QueryRowContext(ctx,
		`SELECT scheme, key_id, nonce, data FROM secret_blob WHERE email = ?`, email)
	err := row.Scan(&b.Scheme, &b.KeyID, &b.Nonce, &b.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return secrets.Blob{}, false, nil
	}
	if err != nil {
		return secrets.Blob{}, false, err
	}
	return b, true, nil
}

func (s *sqliteStore) DeleteBlob(ctx context.Context, email string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM secret_blob WHERE email = ?`, email)
	return err
}

func (s *sqliteStore) FilterUnseen(ctx context.Context, email string, ids []string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Point lookups keep this simple; poll batches are small.
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM seen_message WHERE email = ? AND message_id = ?`, email, id).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			out = append(out, id)
		case err != nil:
			return nil, err
		}
	}
	return out, nil
}

func (s *sqliteStore) MarkSeen(ctx context.Context, email string, ids []string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().Format(time.RFC3339Nano)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO seen_message(email, message_id, first_seen) VALUES(?,?,?)
			 ON CONFLICT(email, message_id) DO NOTHING`,
			email, id, now,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		s.pruneSeen(pctx)
		cancel()
	}
	return nil
}

func (s *sqliteStore) pruneSeen(ctx context.Context) {
	cutoff := time.Now().Add(-seenRetention).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_message WHERE first_seen < ?`, cutoff)
	if err != nil {
		s.log.Debug("seen-message prune failed", logx.Err(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("pruned seen messages", logx.Int64("rows", n))
	}
}

func (s *sqliteStore) PurgeAccount(ctx context.Context, email string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM secret_blob WHERE email = ?`, email); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_message WHERE email = ?`, email); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
