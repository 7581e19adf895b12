package tsvoice

import "errors"

// Sentinel errors for the driver-level failure kinds from spec.md §7 that
// do not already have a package-local sentinel in internal/resend or
// internal/audio (ErrConnectionTimedOut, ErrQueueFull, ErrPacketTooLate,
// ErrInvalidCodec respectively). Callers use errors.Is against those or
// these depending on which layer raised the failure.
var (
	// ErrSocketIO wraps any error a Source or Sink returns; fatal for the
	// connection.
	ErrSocketIO = errors.New("tsvoice: socket i/o error")

	// ErrDecodeFailed marks a malformed inbound datagram a PacketDecoder
	// rejected; non-fatal, the packet is dropped and the connection
	// continues.
	ErrDecodeFailed = errors.New("tsvoice: decode failed")
)
