package sysparam

import "errors"

var (
	// ErrNotInitialized is returned when an operation needs an initialized store
	ErrNotInitialized = errors.New("store not initialized")
	// ErrBadArguments is returned for empty keys or keys/values over the size limits
	ErrBadArguments = errors.New("bad arguments")
	// ErrOutOfMemory is returned when a caller-supplied buffer cannot hold a value
	ErrOutOfMemory = errors.New("out of memory")
	// ErrIO is returned when a device operation fails or a write does not verify
	ErrIO = errors.New("I/O error")
	// ErrFull is returned when there is no space left even after compaction
	ErrFull = errors.New("parameter region is full")
	// ErrNotFound is returned when a key is absent, or no area was found by Init
	ErrNotFound = errors.New("not found")
	// ErrParseFailed is returned by typed getters that cannot interpret a value
	ErrParseFailed = errors.New("value could not be parsed")
	// ErrCorrupt is returned when the region pair is inconsistent
	ErrCorrupt = errors.New("parameter area is corrupt")
	// ErrNotEmpty is returned by CreateArea when the target holds other data
	ErrNotEmpty = errors.New("area is not empty")
	// ErrIteratorStale is returned when a compaction moved the log under an open iterator
	ErrIteratorStale = errors.New("store was compacted during iteration")
)
