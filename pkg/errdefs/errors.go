// Package errdefs defines the error kinds surfaced by gitfs.
//
// Every error returned from the public API wraps exactly one of the
// sentinels below, so callers can classify failures with errors.Is or the
// Is* helpers without depending on message text.
package errdefs

import "errors"

var (
	// ErrConfiguration indicates a bad repository locator, selector
	// combination, or option value. Detected before any network I/O.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrSync indicates a clone or fetch failure (network, auth, or the
	// remote rejecting the operation). An existing valid mirror is left
	// untouched when this is returned.
	ErrSync = errors.New("repository sync failed")

	// ErrRevisionNotFound indicates a named ref or explicit commit that
	// does not exist in the mirror's known history.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrInsufficientHistory indicates a cutoff-date resolution that would
	// need commits beyond the cloned depth. Re-open with unbounded depth
	// to resolve dates older than the shallow boundary.
	ErrInsufficientHistory = errors.New("insufficient history for shallow clone")

	// ErrReadOnly is returned by every mutating filesystem operation.
	ErrReadOnly = errors.New("filesystem is read-only")
)

// IsConfiguration reports whether err wraps ErrConfiguration.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsSync reports whether err wraps ErrSync.
func IsSync(err error) bool { return errors.Is(err, ErrSync) }

// IsRevisionNotFound reports whether err wraps ErrRevisionNotFound.
func IsRevisionNotFound(err error) bool { return errors.Is(err, ErrRevisionNotFound) }

// IsInsufficientHistory reports whether err wraps ErrInsufficientHistory.
func IsInsufficientHistory(err error) bool { return errors.Is(err, ErrInsufficientHistory) }

// IsReadOnly reports whether err wraps ErrReadOnly.
func IsReadOnly(err error) bool { return errors.Is(err, ErrReadOnly) }
