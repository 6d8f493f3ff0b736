package gitfs

import "github.com/stacklok/gitfs/pkg/errdefs"

// Error kinds re-exported from pkg/errdefs so callers of the facade can
// classify failures without a second import.
var (
	ErrConfiguration       = errdefs.ErrConfiguration
	ErrSync                = errdefs.ErrSync
	ErrRevisionNotFound    = errdefs.ErrRevisionNotFound
	ErrInsufficientHistory = errdefs.ErrInsufficientHistory
	ErrReadOnly            = errdefs.ErrReadOnly
)
