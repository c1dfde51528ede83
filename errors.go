package kiln

import "errors"

// Sentinel errors returned by the public Engine API. Phase- and
// package-internal errors (e.g. parse failures for a single block) stay
// local to their packages and are wrapped into these where they cross
// the facade boundary, avoiding an import cycle back from pipeline into
// this package.
var (
	// ErrInvalidConfig is returned by Config.Validate and New when the
	// supplied configuration is unusable.
	ErrInvalidConfig = errors.New("kiln: invalid configuration")

	// ErrNotFound is returned when a requested note or block does not
	// exist in the graph.
	ErrNotFound = errors.New("kiln: not found")

	// ErrClosed is returned by any Engine method called after Close.
	ErrClosed = errors.New("kiln: engine closed")

	// ErrEmptyQuery is returned by Search when the query string is blank.
	ErrEmptyQuery = errors.New("kiln: empty search query")

	// ErrAlreadyWatching is returned by Watch when called on an engine
	// that already has an active filesystem watch.
	ErrAlreadyWatching = errors.New("kiln: already watching")
)
