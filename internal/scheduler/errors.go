package scheduler

import (
	"errors"
	"fmt"

	"KlineVault/internal/model"
)

// StorageError is a persistence failure. It aborts the whole run and is
// returned to the caller together with the partial report.
type StorageError struct {
	Symbol model.Symbol // zero for run-level writes
	Op     string
	Err    error
}

func (e *StorageError) Error() string {
	if e.Symbol == (model.Symbol{}) {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(sym model.Symbol, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Symbol: sym, Op: op, Err: err}
}

// IsStorageError reports whether err carries a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
