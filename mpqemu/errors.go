package mpqemu

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming is a malformed or short frame. Always fatal to a session.
	ErrFraming = errors.New("framing error")

	// ErrChannel is a failure of the underlying stream.
	ErrChannel = errors.New("channel error")

	// ErrProtocol is a well-formed frame that is invalid for the device role.
	ErrProtocol = errors.New("protocol violation")
)

var (
	ErrShortBuffer    = fmt.Errorf("%w: buffer length does not match record size", ErrFraming)
	ErrSizeMismatch   = fmt.Errorf("%w: declared payload size does not match record size", ErrFraming)
	ErrUnknownCommand = fmt.Errorf("%w: unknown command", ErrFraming)
	ErrTruncated      = fmt.Errorf("%w: stream ended inside a frame", ErrFraming)

	ErrUnexpectedRet     = fmt.Errorf("%w: RET is not a valid request", ErrProtocol)
	ErrUnexpectedPayload = fmt.Errorf("%w: command carries no payload", ErrProtocol)
	ErrUnexpectedReply   = fmt.Errorf("%w: unexpected reply", ErrProtocol)
)

func lengthError(what string, want, got int) error {
	return fmt.Errorf("%s: want %d bytes, got %d: %w", what, want, got, ErrShortBuffer)
}
