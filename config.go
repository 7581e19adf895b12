// Package tsvoice implements a TeamSpeak-compatible voice client core: a
// reliable-datagram protocol engine with CUBIC-style congestion control
// (internal/resend) and an Opus jitter-buffered audio reception pipeline
// (internal/audio), wired together by a single-threaded Connection Driver.
package tsvoice

import (
	"tsvoice/internal/resend"
)

// ResendConfig controls the reliable-datagram engine (internal/resend).
type ResendConfig = resend.Config

// AudioConfig controls the per-talker jitter buffer and mixer
// (internal/audio). Its constants are currently fixed by spec, not tuned
// per connection, but are broken out here so a future revision can make
// them configurable without touching callers.
type AudioConfig struct {
	// SampleRate and Channels describe the PCM format FillBuffer produces.
	SampleRate int
	Channels   int
}

// Config holds every tunable of a Connection.
type Config struct {
	Resend ResendConfig
	Audio  AudioConfig
}

// DefaultConfig returns the documented defaults (spec §6).
func DefaultConfig() Config {
	return Config{
		Resend: resend.DefaultConfig(),
		Audio: AudioConfig{
			SampleRate: 48000,
			Channels:   2,
		},
	}
}
