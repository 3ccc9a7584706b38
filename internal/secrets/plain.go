package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const plainKeyFile = "encryption_key"

// PlainBackend keeps the master key *UNENCRYPTED* in a file next to the
// config. The operator must consent to the risk in the config file.
type PlainBackend struct {
	dir           string
	allowInsecure bool
}

func NewPlainBackend(dir string, allowInsecure bool) *PlainBackend {
	return &PlainBackend{dir: dir, allowInsecure: allowInsecure}
}

func (p *PlainBackend) Name() string { return "plain" }

func (p *PlainBackend) Unlock() (MasterKey, error) {
	if !p.allowInsecure {
		return MasterKey{}, ErrInsecure
	}

	path := filepath.Join(p.dir, plainKeyFile)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != KeySize {
			return MasterKey{}, fmt.Errorf("key file %s has %d bytes, want %d", path, len(raw), KeySize)
		}
		var k MasterKey
		copy(k[:], raw)
		return k, nil
	case errors.Is(err, fs.ErrNotExist):
		return p.create(path)
	default:
		return MasterKey{}, fmt.Errorf("reading key file: %w", err)
	}
}

func (p *PlainBackend) create(path string) (MasterKey, error) {
	key, err := NewMasterKey()
	if err != nil {
		return MasterKey{}, err
	}
	// Key material is user-only on disk.
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return MasterKey{}, fmt.Errorf("creating key dir: %w", err)
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return MasterKey{}, fmt.Errorf("writing key file: %w", err)
	}
	return key, nil
}
