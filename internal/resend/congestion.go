package resend

import (
	"math"
	"time"
)

// CUBIC-like congestion control constants (spec §4.D). The congestion
// window gets down to (1-beta)*w_max after a loss; C controls how quickly it
// grows back past w_max afterwards.
const (
	cubicBeta = 0.7
	cubicC    = 0.5

	// windowCap is the hard ceiling on the in-flight window (spec §5).
	windowCap = 32767
)

// congestion tracks the CUBIC window state for one connection.
type congestion struct {
	// wMax is the window just before the last loss.
	wMax uint16
	// lastLoss is the effective instant used as CUBIC's t=0 origin. Not
	// necessarily the literal time of the last loss — see noCongestionSince.
	lastLoss time.Time
	// noCongestionSince is set while the send queue has not been full (no
	// candidate to refill with); nil once we're saturated again.
	noCongestionSince *time.Time
}

func newCongestion(now time.Time, initialWindow uint16) *congestion {
	return &congestion{
		wMax:              initialWindow,
		lastLoss:          now,
		noCongestionSince: &now,
	}
}

// window computes the CUBIC congestion window at now: C*(t-K)^3 + w_max,
// clamped to [1, windowCap].
func (c *congestion) window(now time.Time) uint16 {
	origin := now
	if c.noCongestionSince != nil {
		origin = *c.noCongestionSince
	}
	t := origin.Sub(c.lastLoss).Seconds()

	k := math.Cbrt(float64(c.wMax) * cubicBeta / cubicC)
	res := cubicC*math.Pow(t-k, 3) + float64(c.wMax)

	switch {
	case res > windowCap:
		return windowCap
	case res < 1:
		return 1
	default:
		return uint16(res)
	}
}

// onLoss records a retransmission: the window drops because t resets to 0
// at the new lastLoss instant.
func (c *congestion) onLoss(now time.Time) {
	c.wMax = c.window(now)
	c.lastLoss = now
	c.noCongestionSince = nil
}

// markNoCongestion records that the send queue could not be refilled — we
// were not limited by the window, so the CUBIC clock should not advance
// while this holds.
func (c *congestion) markNoCongestion(now time.Time) {
	if c.noCongestionSince == nil {
		t := now
		c.noCongestionSince = &t
	}
}

// leaveNoCongestion is the loss-shift rule (spec §4.C, §9): when we
// successfully refill after a quiet period, shift lastLoss forward by the
// duration of that quiet period so CUBIC's clock did not effectively
// advance while idle. Without this the window would explode after any gap.
func (c *congestion) leaveNoCongestion(now time.Time) {
	if c.noCongestionSince == nil {
		return
	}
	since := *c.noCongestionSince
	idle := since.Sub(c.lastLoss)
	c.lastLoss = now.Add(-idle)
	c.noCongestionSince = nil
}
