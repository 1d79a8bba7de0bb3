package zfs

import (
	"errors"
	"fmt"
)

// Sentinel errors for storage operations
var (
	// ErrDisabled indicates the storage feature is turned off
	ErrDisabled = errors.New("zfs support is disabled")

	// ErrBlacklisted indicates the dataset is hidden by configuration
	ErrBlacklisted = errors.New("dataset is blacklisted")

	// ErrInvalidName indicates a dataset name that cannot be passed to zfs
	ErrInvalidName = errors.New("invalid dataset name")

	// ErrNotFound indicates the dataset does not exist
	ErrNotFound = errors.New("dataset not found")

	// ErrWrongPassphrase indicates zfs rejected the supplied passphrase
	ErrWrongPassphrase = errors.New("incorrect passphrase")

	// ErrAlreadyUnlocked indicates the dataset key is already loaded
	ErrAlreadyUnlocked = errors.New("dataset key already loaded")

	// ErrKeyNotLoaded indicates a mount was attempted on a locked dataset
	ErrKeyNotLoaded = errors.New("dataset key not loaded")

	// ErrPassphraseRequired indicates an unlock without a passphrase
	ErrPassphraseRequired = errors.New("passphrase required")

	// ErrBackend indicates any other zfs failure
	ErrBackend = errors.New("zfs command failed")
)

// StorageError carries the failing dataset and a bounded, redacted excerpt of
// what zfs reported.
type StorageError struct {
	Kind    error
	Dataset string
	Detail  string
}

func (e *StorageError) Error() string {
	msg := e.Kind.Error()
	if e.Dataset != "" {
		msg = fmt.Sprintf("%s: %s", e.Dataset, msg)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

func (e *StorageError) Is(target error) bool {
	return target == e.Kind
}

func (e *StorageError) Unwrap() error {
	return e.Kind
}

func newError(kind error, dataset, detail string) *StorageError {
	return &StorageError{Kind: kind, Dataset: dataset, Detail: detail}
}

// ErrorKind returns the wire name for a storage error, or "" for nil.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDisabled):
		return "storage_disabled"
	case errors.Is(err, ErrBlacklisted):
		return "blacklisted"
	case errors.Is(err, ErrInvalidName):
		return "invalid_dataset"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrWrongPassphrase):
		return "wrong_passphrase"
	case errors.Is(err, ErrAlreadyUnlocked):
		return "already_unlocked"
	case errors.Is(err, ErrKeyNotLoaded):
		return "key_not_loaded"
	case errors.Is(err, ErrPassphraseRequired):
		return "passphrase_required"
	default:
		return "backend"
	}
}
