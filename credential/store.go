package credential

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned by Get when no secret is stored for (service, user).
var ErrNotFound = keyring.ErrNotFound

// Store is the OS credential abstraction used by the profile registry and
// the OAuth adapters to persist tokens and the store encryption key.
type Store interface {
	Set(service, user, secret string) error
	Get(service, user string) (string, error)
	Delete(service, user string) error
}

// osStore delegates to the platform credential manager via go-keyring.
type osStore struct{}

// NewOSStore returns the platform-backed credential Store.
func NewOSStore() Store { return osStore{} }

func (osStore) Set(service, user, secret string) error {
	return keyring.Set(service, user, secret)
}

func (osStore) Get(service, user string) (string, error) {
	val, err := keyring.Get(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return val, err
}

func (osStore) Delete(service, user string) error {
	err := keyring.Delete(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
