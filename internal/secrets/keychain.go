package secrets

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const (
	keychainService = "you-have-mail-cli"
	keychainKey     = "master-key"
)

// KeychainBackend stores the master key in the OS secret service via
// 99designs/keyring (macOS Keychain, freedesktop Secret Service, wincred,
// pass).
type KeychainBackend struct {
	open func() (keyring.Keyring, error)
}

func NewKeychainBackend() *KeychainBackend {
	return &KeychainBackend{open: openKeyring}
}

func openKeyring() (keyring.Keyring, error) {
	return keyring.Open(keyring.Config{
		ServiceName: keychainService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
		},
		KeychainTrustApplication: true,
	})
}

func (k *KeychainBackend) Name() string { return "keychain" }

func (k *KeychainBackend) Unlock() (MasterKey, error) {
	ring, err := k.open()
	if err != nil {
		return MasterKey{}, fmt.Errorf("%w: %v", ErrKeychainUnavailable, err)
	}

	item, err := ring.Get(keychainKey)
	switch {
	case err == nil:
		if len(item.Data) != KeySize {
			return MasterKey{}, fmt.Errorf("%w: stored key has %d bytes, want %d", ErrCorrupt, len(item.Data), KeySize)
		}
		var key MasterKey
		copy(key[:], item.Data)
		return key, nil
	case errors.Is(err, keyring.ErrKeyNotFound):
		return k.create(ring)
	default:
		return MasterKey{}, fmt.Errorf("%w: %v", ErrKeychainDenied, err)
	}
}

func (k *KeychainBackend) create(ring keyring.Keyring) (MasterKey, error) {
	key, err := NewMasterKey()
	if err != nil {
		return MasterKey{}, err
	}
	err = ring.Set(keyring.Item{
		Key:         keychainKey,
		Data:        key[:],
		Label:       keychainService,
		Description: "master key protecting mail session material",
	})
	if err != nil {
		return MasterKey{}, fmt.Errorf("%w: %v", ErrKeychainDenied, err)
	}
	return key, nil
}
