package pkgdb

import (
	"errors"

	"github.com/FyraLabs/subatomic-ng/audit"
)

var (
	// ErrNotFound is returned when a package id does not exist.
	ErrNotFound = errors.New("pkgdb: not found")

	// ErrDuplicateIdentity is returned when a create reuses an id or a variant.
	ErrDuplicateIdentity = errors.New("pkgdb: duplicate identity")

	// ErrTransactionConflict is returned when a concurrent transaction won.
	// The caller may retry.
	ErrTransactionConflict = errors.New("pkgdb: transaction conflict")

	// ErrStorageUnavailable is returned when the database cannot be reached.
	ErrStorageUnavailable = errors.New("pkgdb: storage unavailable")

	// ErrInvalidPackage is returned when a record fails validation.
	ErrInvalidPackage = errors.New("pkgdb: invalid package")
)

// Outcome maps an error to a low cardinality label for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate"
	case errors.Is(err, ErrTransactionConflict):
		return "conflict"
	case errors.Is(err, ErrStorageUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidPackage), errors.Is(err, audit.ErrInvalidEntry):
		return "invalid"
	default:
		return "error"
	}
}
