package issuestore

import (
	"errors"

	"github.com/gitissue/gitissue/internal/objstore"
)

// The error taxonomy is shared with the object store, so callers can match
// either package's values.
var (
	ErrNotFound = objstore.ErrNotFound
	ErrConflict = objstore.ErrConflict
	ErrCorrupt  = objstore.ErrCorrupt
	ErrIO       = objstore.ErrIO

	// ErrInvalidEvent reports an event that may not be appended, such as a
	// second Created or an empty title.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidFilter reports a filter expression that does not compile or
	// does not evaluate to a boolean.
	ErrInvalidFilter = errors.New("invalid filter")
)
