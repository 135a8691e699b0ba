package engine

import "errors"

// Sentinel errors surfaced to the HTTP layer, which translates them into
// status codes. Anything not listed here is an internal error.
var (
	// ErrUnauthorized covers a bad upload key and a bad or missing
	// deletion token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoFilename is returned when an upload does not carry an original
	// filename, leaving nothing to derive the stored name from.
	ErrNoFilename = errors.New("no filename provided")

	// ErrNotFound is returned for unknown and expired uploads alike.
	ErrNotFound = errors.New("upload not found")

	// ErrTooLarge is returned when an upload body crosses the configured
	// maximum while it is still being read.
	ErrTooLarge = errors.New("upload exceeds maximum size")

	// ErrLifetimeTooLong is returned when a temporary upload asks for a
	// lifetime beyond the configured maximum.
	ErrLifetimeTooLong = errors.New("temporary upload lifetime too long")

	// ErrRangeNotSatisfiable is returned when a requested byte range lies
	// entirely outside the stored file.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")

	// ErrNameExhausted is returned when name generation keeps colliding
	// with existing uploads. The request can be retried as a whole.
	ErrNameExhausted = errors.New("could not generate a free upload name")

	// ErrDeletionDisabled is returned when no deletion secret is
	// configured.
	ErrDeletionDisabled = errors.New("deletion is not enabled")
)
