package audio

import "errors"

// Sentinel errors for the audio pipeline's non-fatal failure kinds. Callers
// use errors.Is to tell "drop this packet and continue" conditions apart
// from a genuine decode failure.
var (
	ErrQueueFull     = errors.New("audio: queue full")
	ErrPacketTooLate = errors.New("audio: packet too late")
	ErrInvalidCodec  = errors.New("audio: invalid codec")
)
