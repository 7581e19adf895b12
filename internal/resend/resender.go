package resend

import (
	"errors"
	"fmt"
	"time"
)

// ErrConnectionTimedOut is returned by PollResend/PollPing when a
// connection has gone silent for longer than its current state's idle
// timeout (spec §7, "ConnectionTimedOut").
var ErrConnectionTimedOut = errors.New("resend: connection timed out")

// Config holds the tunables enumerated in spec.md §6.
type Config struct {
	ConnectingTimeout time.Duration
	NormalTimeout     time.Duration
	DisconnectTimeout time.Duration
	InitialSRTT       time.Duration
	InitialSRTTDev    time.Duration
	InitialWindow     uint16

	// PingInterval is how long the connection may stay silent before
	// NeedsPing reports true. Scaffolding for the not-yet-built keep-alive
	// ping feature (spec §4.J, §9) — PollPing itself only ever enforces the
	// Disconnecting idle timeout.
	PingInterval time.Duration
}

// DefaultConfig returns the documented defaults (spec §4.F, §4.E, §6).
func DefaultConfig() Config {
	return Config{
		ConnectingTimeout: 5 * time.Second,
		NormalTimeout:     30 * time.Second,
		DisconnectTimeout: 5 * time.Second,
		InitialSRTT:       500 * time.Millisecond,
		InitialSRTTDev:    0,
		InitialWindow:     1,
		PingInterval:      15 * time.Second,
	}
}

// Resender resends Init, Command and CommandLow packets until acknowledged
// or timed out. It glues together the per-type send record stores (B), the
// retransmission scheduler (C), CUBIC congestion control (D), the RTT
// estimator (E), the connection state machine (F) and acknowledgement
// handling (G).
type Resender struct {
	cfg    Config
	stores [numPacketTypes]*store
	sched  *scheduler
	cong   *congestion
	rtt    *rttEstimator
	state  *stateMachine

	lastReceive time.Time
}

// New creates a Resender in the Connecting state.
func New(cfg Config, now time.Time) *Resender {
	var stores [numPacketTypes]*store
	for i := range stores {
		stores[i] = newStore()
	}
	cong := newCongestion(now, cfg.InitialWindow)
	r := &Resender{
		cfg:         cfg,
		stores:      stores,
		cong:        cong,
		rtt:         newRTTEstimator(cfg.InitialSRTT, cfg.InitialSRTTDev),
		lastReceive: now,
	}
	r.state = newStateMachine(stateTimeouts{
		connecting:   cfg.ConnectingTimeout,
		connected:    cfg.NormalTimeout,
		disconnectin: cfg.DisconnectTimeout,
		disconnected: cfg.DisconnectTimeout,
	}, now)
	r.sched = newScheduler(stores, cong)
	return r
}

// State reports the current connection state.
func (r *Resender) State() State { return r.state.state }

// SetState transitions the resender to a new state (spec §4.F).
func (r *Resender) SetState(state State, now time.Time) {
	r.state.set(state, now)
}

// ReceivedPacket records that a packet arrived, resetting the idle clock
// inputs used by future keep-alive pings (spec §4.J, §9).
func (r *Resender) ReceivedPacket(now time.Time) {
	r.lastReceive = now
}

// IsFull reports whether the send queue has reached the current CUBIC
// window (spec §4.C, "is_full").
func (r *Resender) IsFull(now time.Time) bool {
	total := 0
	for _, s := range r.stores {
		total += s.len()
	}
	return total >= int(r.cong.window(now))
}

// IsEmpty reports whether the schedule heap has no pending work.
func (r *Resender) IsEmpty() bool { return r.sched.isEmpty() }

// Window returns the current CUBIC congestion window.
func (r *Resender) Window(now time.Time) uint16 { return r.cong.window(now) }

// SRTT and SRTTDev expose the current RTT estimate, mainly for tests and
// metrics surfaces.
func (r *Resender) SRTT() time.Duration    { return r.rtt.srtt }
func (r *Resender) SRTTDev() time.Duration { return r.rtt.srttDev }

// Submit hands a reliable packet to the resender: a SendRecord is created,
// inserted into its type's store, and the schedule is refilled (spec §4.C,
// "submit"). The caller allocates packet/generation ids; duplicates panic.
func (r *Resender) Submit(p OutPacket, now time.Time) *SendRecord {
	rec := newSendRecord(p, now)
	r.state.noteSend(now)
	r.sched.submit(rec, now)
	return rec
}

// Sender is the non-blocking socket sink the scheduler hands datagrams to.
// It returns (false, nil) when the sink is not currently ready to accept a
// write (the driver should stop polling this tick), and a non-nil error on
// any unrecoverable I/O failure.
type Sender func(p OutPacket) (sent bool, err error)

// PollResend drives retransmission for one tick (spec §4.C, "poll_resend").
// It pops/peeks the schedule heap, computes the retransmission timeout, and
// either waits or hands the packet to send to the socket sink. Returns
// ErrConnectionTimedOut if a record has been outstanding longer than the
// current state's idle timeout.
func (r *Resender) PollResend(now time.Time, send Sender) error {
	idleTimeout := r.state.idleTimeout()

	for {
		rec, ok := r.sched.peek()
		if !ok {
			return nil
		}

		full, stillQueued := r.stores[rec.ID.Type.index()].get(rec.ID.Part)
		if !stillQueued || full != rec {
			// Already acknowledged; drop the stale heap entry and retry.
			r.sched.popStale()
			r.sched.refill(now)
			continue
		}

		rto := r.rtt.rto()
		lastThreshold := now.Add(-rto)
		if rec.Tries != 0 && rec.Last.After(lastThreshold) {
			// Not due yet this tick; the driver should arm a timer for
			// rec.Last.Add(rto) and call us again then.
			return nil
		}

		if now.Sub(full.Sent) > idleTimeout {
			return fmt.Errorf("%w: %v idle since %v", ErrConnectionTimedOut, rec.ID, full.Sent)
		}

		sent, err := send(full.Packet)
		if err != nil {
			return err
		}
		if !sent {
			// Sink not ready; stop for this tick.
			return nil
		}

		rec.Last = now
		rec.Tries++

		if rec.Tries != 1 {
			r.rtt.doubleOnLoss(idleTimeout)
			r.cong.onLoss(now)
			r.sched.rebuild(now)
		} else {
			// rebuild already re-sorts the heap from scratch; otherwise the
			// in-place mutation above leaves heap[0] stale until fixed.
			r.sched.fixTop()
		}
	}
}

// PollPing enforces the Disconnecting-state idle timeout (spec §4.J,
// "poll_ping"). Keep-alive ping emission is not yet wired — see SPEC_FULL.md
// §3 — only the timeout check is active, exactly as in the original source.
func (r *Resender) PollPing(now time.Time) error {
	if r.state.state != Disconnecting {
		return nil
	}
	if r.state.expired(now) {
		return ErrConnectionTimedOut
	}
	return nil
}

// NeedsPing reports whether more than d has passed since the last received
// packet. Scaffolding for a future keep-alive ping feature (spec §9); not
// yet called by PollPing.
func (r *Resender) NeedsPing(now time.Time, d time.Duration) bool {
	return now.Sub(r.lastReceive) > d
}
