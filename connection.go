package tsvoice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"tsvoice/internal/audio"
	"tsvoice/internal/resend"
)

// Source is the inbound half of the UDP socket contract (§6). RecvFrom
// blocks until a datagram arrives, mirroring Go's blocking-I/O-plus-
// goroutine idiom (the teacher's StartReceiving pattern in transport.go)
// rather than the original's non-blocking poll/wake model, which Go's
// scheduler makes unnecessary.
type Source interface {
	RecvFrom(buf []byte) (n int, from net.Addr, err error)
}

// Sink is the outbound half. ok==false means the sink is momentarily unable
// to accept a write and PollResend should retry the next tick — it is not
// a failure.
type Sink interface {
	SendTo(b []byte, to net.Addr) (ok bool, err error)
}

// PacketDecoder turns a raw datagram into one of the InboundPacket variants.
// The wire codec itself — header parsing, encryption, fragment reassembly —
// lives outside this package (spec §1, out of scope).
type PacketDecoder interface {
	Decode(raw []byte) (InboundPacket, error)
}

// InboundPacket is the tagged union a PacketDecoder produces.
type InboundPacket interface{ inbound() }

// AckFrame acknowledges the packet of Type whose sequence is Seq, normally
// the oldest unacked one. Only that one record is removed; earlier
// outstanding packets of Type stay queued.
type AckFrame struct {
	Type resend.PacketType
	Seq  uint16
}

func (AckFrame) inbound() {}

// AudioFrame carries one Opus frame from Talker.
type AudioFrame struct {
	Talker uint16
	Packet audio.Packet
}

func (AudioFrame) inbound() {}

// CommandFrame carries an undecoded command payload for upward bookkeeping
// (channel/client tree, messaging, file transfer — all out of scope here).
type CommandFrame struct{ Raw []byte }

func (CommandFrame) inbound() {}

// MessageHandle identifies one outstanding reliable submission, returned by
// SendPacket and later resolved by a MessageResult event.
type MessageHandle uint64

// Connection is the Connection Driver (§4.J): it owns one Resender and one
// AudioHandler, pumps datagrams between the socket and them, and surfaces
// decoded results on Events(). Per spec §5, all Resender and AudioHandler
// mutation happens on the single goroutine Run starts; FillAudio is the one
// method meant to be called from a separate playback task, matching the
// spec's "AudioHandler is owned by the playback task" split.
type Connection struct {
	cfg     Config
	peer    net.Addr
	source  Source
	sink    Sink
	decoder PacketDecoder

	resender *resend.Resender
	mixer    *audio.AudioHandler[uint16]

	events  chan Event
	inbound chan []byte
	submit  chan submitRequest
	closeCh chan struct{}

	nextHandle MessageHandle
	pending    map[resend.PacketID]MessageHandle
}

type submitRequest struct {
	packet resend.OutPacket
	reply  chan MessageHandle
}

// NewConnection creates a Connection in the Connecting state. Run must be
// called to start the event loop; until then SendPacket blocks until ctx is
// done or Close is called.
func NewConnection(cfg Config, peer net.Addr, source Source, sink Sink, decoder PacketDecoder, now time.Time) *Connection {
	return &Connection{
		cfg:      cfg,
		peer:     peer,
		source:   source,
		sink:     sink,
		decoder:  decoder,
		resender: resend.New(cfg.Resend, now),
		mixer:    audio.NewAudioHandler[uint16](),
		events:   make(chan Event, 64),
		inbound:  make(chan []byte, 64),
		submit:   make(chan submitRequest),
		closeCh:  make(chan struct{}),
		pending:  make(map[resend.PacketID]MessageHandle),
	}
}

// State reports the Resender's connection state.
func (c *Connection) State() resend.State { return c.resender.State() }

// SetState transitions the Resender's state machine (spec §4.F); the driver
// itself never transitions states on its own initiative except the
// Disconnecting idle timeout, which instead fails Run with
// ErrConnectionTimedOut.
func (c *Connection) SetState(state resend.State, now time.Time) {
	c.resender.SetState(state, now)
}

// Events returns the channel the driver posts decoded results to. Callers
// must keep draining it; once full, the driver logs and drops further
// events rather than blocking the network goroutine.
func (c *Connection) Events() <-chan Event { return c.events }

// SendPacket submits a reliable packet for delivery, returning a handle a
// future MessageResult event will resolve once its AckPacket arrives.
func (c *Connection) SendPacket(ctx context.Context, p resend.OutPacket) (MessageHandle, error) {
	reply := make(chan MessageHandle, 1)
	select {
	case c.submit <- submitRequest{packet: p, reply: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.closeCh:
		return 0, errors.New("tsvoice: connection closed")
	}
	select {
	case h := <-reply:
		return h, nil
	case <-c.closeCh:
		return 0, errors.New("tsvoice: connection closed")
	}
}

// FillAudio additively mixes every live talker's next len(buf) samples into
// buf; buf is not cleared first. Meant to be called from the playback task,
// independently of Run's network goroutine (spec §5).
func (c *Connection) FillAudio(buf []float32) {
	c.mixer.FillBuffer(buf)
}

// TalkersChanged reports and clears whether the active-talker set changed
// since the last call.
func (c *Connection) TalkersChanged() bool { return c.mixer.TalkersChanged() }

// Close tears the connection down: Run returns and closes Events(). The
// reader goroutine stays blocked in Source.RecvFrom until that call returns;
// it stops after a read error or after a read that finds the connection
// closed. Safe to call more than once.
func (c *Connection) Close() {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
}

// retransmitTick is how often Run drives PollResend. The scheduler itself
// decides whether anything is actually due; this just bounds how late a
// retransmission can be relative to its computed rto.
const retransmitTick = 20 * time.Millisecond

// pingTick is how often Run drives PollPing.
const pingTick = time.Second

// Run drives the connection until ctx is cancelled or Close is called. It
// starts one reader goroutine (Source.RecvFrom blocks) feeding the single-
// threaded poll loop below, matching the teacher's goroutine-per-reader
// plus central dispatch shape in transport.go's StartReceiving/readControl
// split.
func (c *Connection) Run(ctx context.Context) error {
	go c.readLoop()

	retransmit := time.NewTicker(retransmitTick)
	defer retransmit.Stop()
	ping := time.NewTicker(pingTick)
	defer ping.Stop()

	defer close(c.events)

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()

		case <-c.closeCh:
			return nil

		case raw := <-c.inbound:
			c.handleDatagram(raw, time.Now())

		case req := <-c.submit:
			rec := c.resender.Submit(req.packet, time.Now())
			c.nextHandle++
			c.pending[rec.ID] = c.nextHandle
			req.reply <- c.nextHandle

		case now := <-retransmit.C:
			if err := c.resender.PollResend(now, c.send); err != nil {
				c.postEvent(ConnectionClosed{Err: err})
				c.Close()
				return err
			}

		case now := <-ping.C:
			if err := c.resender.PollPing(now); err != nil {
				c.postEvent(ConnectionClosed{Err: err})
				c.Close()
				return err
			}
			if c.resender.NeedsPing(now, c.cfg.Resend.PingInterval) {
				// Scaffolding (spec §9): no keep-alive ping message is sent
				// yet, only the idle-timeout check above is authoritative.
				log.Printf("[connection] idle for longer than ping interval, no keep-alive feature to send one")
			}
		}
	}
}

// readLoop pumps datagrams from Source into the inbound channel until the
// socket errors or the connection closes.
func (c *Connection) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, _, err := c.source.RecvFrom(buf)
		if err != nil {
			c.postEvent(ConnectionClosed{Err: fmt.Errorf("%w: %v", ErrSocketIO, err)})
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case c.inbound <- cp:
		case <-c.closeCh:
			return
		}
	}
}

// handleDatagram decodes one raw datagram and routes it (spec §4.J): ACKs
// to the Resender, audio frames to the mixer, everything else upward as a
// CommandEvent for the out-of-scope bookkeeping layer.
func (c *Connection) handleDatagram(raw []byte, now time.Time) {
	c.resender.ReceivedPacket(now)

	pkt, err := c.decoder.Decode(raw)
	if err != nil {
		log.Printf("[connection] %v: %v", ErrDecodeFailed, err)
		return
	}

	switch p := pkt.(type) {
	case AckFrame:
		if id, ok := c.resender.HandleAck(p.Type, p.Seq, now); ok {
			c.postEvent(AckPacket{ID: id})
			if h, ok := c.pending[id]; ok {
				delete(c.pending, id)
				c.postEvent(MessageResult{Handle: h, Err: nil})
			}
		}
		// A miss is a spurious or duplicate ack (spec §7): silently ignored.

	case AudioFrame:
		if err := c.mixer.HandlePacket(p.Talker, p.Packet); err != nil {
			log.Printf("[connection] audio packet from talker %d rejected: %v", p.Talker, err)
			return
		}
		c.postEvent(AudioReceived{Talker: p.Talker})

	case CommandFrame:
		c.postEvent(CommandEvent{Raw: p.Raw})

	default:
		log.Printf("[connection] unhandled inbound packet type %T", pkt)
	}
}

func (c *Connection) postEvent(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Printf("[connection] event channel full, dropping %T", ev)
	}
}

// send adapts Sink to resend.Sender for PollResend.
func (c *Connection) send(p resend.OutPacket) (bool, error) {
	return c.sink.SendTo(p.Bytes(), c.peer)
}
