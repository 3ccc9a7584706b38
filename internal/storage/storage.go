package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/LeanderBB/you-have-mail-cli/internal/secrets"
	"github.com/LeanderBB/you-have-mail-cli/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-lifetime only, nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the secret store and the observer.
//
// PutBlob/GetBlob/DeleteBlob satisfy secrets.BlobStore. FilterUnseen returns
// the subset of ids not yet recorded for the account; MarkSeen records ids so
// later polls skip them. PurgeAccount removes everything the store holds for
// one account.
type Store interface {
	PutBlob(ctx context.Context, email string, b secrets.Blob) error
	GetBlob(ctx context.Context, email string) (secrets.Blob, bool, error)
	DeleteBlob(ctx context.Context, email string) error

	FilterUnseen(ctx context.Context, email string, ids []string) ([]string, error)
	MarkSeen(ctx context.Context, email string, ids []string) error

	PurgeAccount(ctx context.Context, email string) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
