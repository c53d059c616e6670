package registry

import "errors"

var (
	// ErrDuplicateID indicates the transport handed out an id that is still
	// registered. It is fatal to the new connection only.
	ErrDuplicateID = errors.New("duplicate connection id")
	ErrNotFound    = errors.New("connection not found")
)
