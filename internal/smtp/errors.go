package smtp

import "errors"

// ErrLineTooLong is returned by the line reader when a single protocol
// line exceeds the configured limit. The session replies with a permanent
// failure and closes the connection.
var ErrLineTooLong = errors.New("protocol line too long")

// ErrMessageTooLarge is returned during DATA capture when the payload
// exceeds the configured maximum. The session replies 552 and keeps the
// connection open.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")
