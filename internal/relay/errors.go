package relay

import "errors"

var (
	// ErrMalformedFrame is returned for payloads that are not a JSON frame.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrConnClosed is returned when sending on a connection that is no
	// longer open.
	ErrConnClosed = errors.New("connection closed")
)
