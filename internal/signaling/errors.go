package signaling

import "errors"

var (
	ErrTargetNotFound    = errors.New("signaling: target not found")
	ErrMalformedEnvelope = errors.New("signaling: malformed envelope")
)
