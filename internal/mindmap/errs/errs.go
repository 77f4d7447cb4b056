// Package errs defines the error kinds used across the mindmap engine (spec §7).
package errs

import "errors"

// Sentinel error kinds. Components wrap these with fmt.Errorf("...: %w", Kind)
// so callers can distinguish kinds with errors.Is while still getting context.
var (
	// ErrValidation marks caller input out of range or malformed. Surfaced
	// to the RPC caller; never recovered internally.
	ErrValidation = errors.New("validation error")

	// ErrInvalidReference marks an edge whose source or target node is
	// absent from the store. Rejected at the Graph Store boundary; never
	// propagated through the query path.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrCachePressure marks a cache insertion that found no evictable
	// entry under the hard cap. The pipeline downgrades this to a miss.
	ErrCachePressure = errors.New("cache pressure")

	// ErrStorage marks a snapshot load/save failure. On load, the caller
	// initializes an empty store and logs; on save, the caller retains
	// the prior committed snapshot and surfaces a warning.
	ErrStorage = errors.New("storage error")

	// ErrInternal marks any uncaught fault inside a component. The query
	// fails gracefully; the server keeps running.
	ErrInternal = errors.New("internal error")
)
