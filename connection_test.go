package tsvoice

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsvoice/internal/audio"
	"tsvoice/internal/resend"
)

// testOutPacket is the minimal resend.OutPacket a test can submit.
type testOutPacket struct {
	pType resend.PacketType
	gen   uint32
	seq   uint16
	data  []byte
}

func (p testOutPacket) PacketType() resend.PacketType { return p.pType }
func (p testOutPacket) GenerationID() uint32          { return p.gen }
func (p testOutPacket) PacketID() uint16              { return p.seq }
func (p testOutPacket) Bytes() []byte                 { return p.data }

// fakeAddr is a minimal net.Addr for tests that never touch a real socket.
type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// chanSource feeds Connection.readLoop from a test-controlled channel.
// Closing ch makes the next RecvFrom return an error, ending the loop.
type chanSource struct{ ch chan []byte }

func (s *chanSource) RecvFrom(buf []byte) (int, net.Addr, error) {
	b, ok := <-s.ch
	if !ok {
		return 0, nil, errors.New("source closed")
	}
	return copy(buf, b), fakeAddr("peer"), nil
}

// recordingSink captures every datagram handed to it instead of touching a
// real socket.
type recordingSink struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *recordingSink) SendTo(b []byte, to net.Addr) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	s.sent = append(s.sent, cp)
	return true, nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// tagDecoder decodes the tiny test wire format: byte 0 is a tag, the rest is
// tag-specific. It stands in for the out-of-scope packet codec.
type tagDecoder struct{}

const (
	tagAck byte = iota
	tagAudio
	tagCommand
	tagBad
)

func (tagDecoder) Decode(raw []byte) (InboundPacket, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty datagram")
	}
	switch raw[0] {
	case tagAck:
		return AckFrame{Type: resend.Command, Seq: binary.BigEndian.Uint16(raw[1:3])}, nil
	case tagAudio:
		return AudioFrame{
			Talker: uint16(raw[1]),
			Packet: audio.Packet{ID: 0, Codec: audio.CodecOpusVoice, Data: []byte{16 << 3, raw[2]}},
		}, nil
	case tagCommand:
		return CommandFrame{Raw: raw[1:]}, nil
	default:
		return nil, errors.New("unknown tag")
	}
}

func newTestConnection(t *testing.T, source Source, sink Sink) *Connection {
	t.Helper()
	cfg := DefaultConfig()
	return NewConnection(cfg, fakeAddr("peer"), source, sink, tagDecoder{}, time.Now())
}

// TestHandleDatagramAckEmitsEvent is spec §4.J: an inbound ack routes to
// HandleAck and, on a genuine match, posts an AckPacket event.
func TestHandleDatagramAckEmitsEvent(t *testing.T) {
	c := newTestConnection(t, &chanSource{ch: make(chan []byte)}, &recordingSink{})
	now := time.Now()
	c.resender.Submit(testOutPacket{pType: resend.Command, seq: 0, data: []byte("x")}, now)

	raw := make([]byte, 3)
	raw[0] = tagAck
	binary.BigEndian.PutUint16(raw[1:3], 0)
	c.handleDatagram(raw, now.Add(10*time.Millisecond))

	select {
	case ev := <-c.events:
		ack, ok := ev.(AckPacket)
		require.True(t, ok, "expected AckPacket, got %T", ev)
		assert.Equal(t, resend.Command, ack.ID.Type)
		assert.Equal(t, uint16(0), ack.ID.Part.Sequence)
	default:
		t.Fatal("expected an event to be posted")
	}
}

// TestHandleDatagramSpuriousAckIsSilent covers spec §7's
// "Spurious/DuplicateAck: silently ignored" rule.
func TestHandleDatagramSpuriousAckIsSilent(t *testing.T) {
	c := newTestConnection(t, &chanSource{ch: make(chan []byte)}, &recordingSink{})
	now := time.Now()

	raw := make([]byte, 3)
	raw[0] = tagAck
	binary.BigEndian.PutUint16(raw[1:3], 99)
	c.handleDatagram(raw, now)

	select {
	case ev := <-c.events:
		t.Fatalf("expected no event for a spurious ack, got %T", ev)
	default:
	}
}

// TestHandleDatagramAudioFrameMixesIn checks an inbound audio frame reaches
// the mixer and is surfaced as AudioReceived.
func TestHandleDatagramAudioFrameMixesIn(t *testing.T) {
	c := newTestConnection(t, &chanSource{ch: make(chan []byte)}, &recordingSink{})

	raw := []byte{tagAudio, 7, 0}
	c.handleDatagram(raw, time.Now())

	select {
	case ev := <-c.events:
		ar, ok := ev.(AudioReceived)
		require.True(t, ok, "expected AudioReceived, got %T", ev)
		assert.Equal(t, uint16(7), ar.Talker)
	default:
		t.Fatal("expected an AudioReceived event")
	}
	assert.True(t, c.TalkersChanged())
}

// TestHandleDatagramDecodeFailureIsDropped covers spec §7's DecodeFailed
// rule: logged, packet dropped, connection continues (no panic, no event).
func TestHandleDatagramDecodeFailureIsDropped(t *testing.T) {
	c := newTestConnection(t, &chanSource{ch: make(chan []byte)}, &recordingSink{})
	c.handleDatagram([]byte{tagBad}, time.Now())

	select {
	case ev := <-c.events:
		t.Fatalf("expected no event for an undecodable datagram, got %T", ev)
	default:
	}
}

// TestRunSubmitsAndCloses drives the full Run loop: SendPacket returns a
// handle, and Close stops the loop cleanly with Events() closed.
func TestRunSubmitsAndCloses(t *testing.T) {
	source := &chanSource{ch: make(chan []byte)}
	sink := &recordingSink{}
	c := newTestConnection(t, source, sink)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	handle, err := c.SendPacket(ctx, testOutPacket{pType: resend.Command, seq: 0, data: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, MessageHandle(1), handle)

	c.Close()
	require.NoError(t, <-done)

	_, open := <-c.events
	assert.False(t, open, "Events() must be closed once Run returns")
}

// TestRunResolvesMessageResultOnAck drives SendPacket through the real Run
// loop, delivers the matching ack datagram, and checks a MessageResult
// resolving that same handle follows the AckPacket event (spec.md:173).
func TestRunResolvesMessageResultOnAck(t *testing.T) {
	source := &chanSource{ch: make(chan []byte)}
	sink := &recordingSink{}
	c := newTestConnection(t, source, sink)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	handle, err := c.SendPacket(ctx, testOutPacket{pType: resend.Command, seq: 0, data: []byte("hi")})
	require.NoError(t, err)

	raw := make([]byte, 3)
	raw[0] = tagAck
	binary.BigEndian.PutUint16(raw[1:3], 0)
	source.ch <- raw

	var gotAck, gotResult bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-c.events:
			switch e := ev.(type) {
			case AckPacket:
				gotAck = true
			case MessageResult:
				gotResult = true
				assert.Equal(t, handle, e.Handle)
				assert.NoError(t, e.Err)
			default:
				t.Fatalf("unexpected event %T", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.True(t, gotAck, "expected an AckPacket event")
	assert.True(t, gotResult, "expected a MessageResult event resolving the submitted handle")

	c.Close()
	require.NoError(t, <-done)
}

// TestRunStopsOnConnectionTimedOut verifies the Disconnecting idle timeout
// (spec §8 scenario 6) propagates out of Run as an error and posts a
// ConnectionClosed event with ErrConnectionTimedOut.
func TestRunStopsOnConnectionTimedOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resend.DisconnectTimeout = 30 * time.Millisecond
	now := time.Now()
	source := &chanSource{ch: make(chan []byte)}
	sink := &recordingSink{}
	c := NewConnection(cfg, fakeAddr("peer"), source, sink, tagDecoder{}, now)
	c.SetState(resend.Disconnecting, now)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, resend.ErrConnectionTimedOut))
		ev, open := <-c.events
		require.True(t, open, "expected a ConnectionClosed event before Events() closes")
		closed, ok := ev.(ConnectionClosed)
		require.True(t, ok, "expected ConnectionClosed, got %T", ev)
		assert.True(t, errors.Is(closed.Err, resend.ErrConnectionTimedOut))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on Disconnecting timeout")
	}
}
