package protocol

import "errors"

var (
	ErrMalformed        = errors.New("protocol: malformed packet")
	ErrUnknownFrameType = errors.New("protocol: unknown frame type")
	ErrBadSessionID     = errors.New("protocol: invalid session id length")
)
