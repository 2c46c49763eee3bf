package keyfs

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed handling on the caller side, in the same
// spirit as the teacher's mvcc.ErrConflict/mvcc.ErrTxDone.
var (
	ErrReadOnly      = errors.New("keyfs: write attempted on a read-only transaction or engine")
	ErrKeyAbsent     = errors.New("keyfs: key has no value at the requested serial")
	ErrTypeMismatch  = errors.New("keyfs: value does not match the key's declared type")
	ErrInvalidParam  = errors.New("keyfs: invalid parameter value")
	ErrStorageFailure = errors.New("keyfs: storage backend failure")
	ErrNotFound      = errors.New("keyfs: no such key registered")
	ErrAlreadyBound  = errors.New("keyfs: a transaction is already bound")
	ErrClosed        = errors.New("keyfs: transaction already completed")
	ErrNotifierStarted = errors.New("keyfs: notifier already started")
)

// wrapStorage wraps a backend error with ErrStorageFailure so callers can
// errors.Is against the sentinel while the backend error stays in the
// chain, together with any pkg/errors stack trace it already carries.
func wrapStorage(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, fmt.Sprintf(format, args...), err)
}
