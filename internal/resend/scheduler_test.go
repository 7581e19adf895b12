package resend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestScheduler(now time.Time, window uint16) *scheduler {
	var stores [numPacketTypes]*store
	for i := range stores {
		stores[i] = newStore()
	}
	cong := newCongestion(now, window)
	return newScheduler(stores, cong)
}

func TestSchedulerRefillRespectsWindow(t *testing.T) {
	now := time.Now()
	s := newTestScheduler(now, 3)

	for i := uint16(0); i < 10; i++ {
		rec := newSendRecord(fakePacket{pType: Command, seq: i}, now)
		s.submit(rec, now)
	}

	assert.LessOrEqual(t, s.len(), int(s.cong.window(now)))
}

func TestSchedulerPeekIsOldestByArrival(t *testing.T) {
	now := time.Now()
	s := newTestScheduler(now, 10)

	first := newSendRecord(fakePacket{pType: Command, seq: 0}, now)
	s.submit(first, now)

	second := newSendRecord(fakePacket{pType: Command, seq: 1}, now.Add(time.Millisecond))
	s.submit(second, now)

	top, ok := s.peek()
	require.True(t, ok)
	assert.Same(t, first, top, "never-sent records are peeked in arrival order")
}

func TestSchedulerRebuildRestartsFromOldestUnacked(t *testing.T) {
	now := time.Now()
	s := newTestScheduler(now, 10)

	for i := uint16(0); i < 5; i++ {
		s.submit(newSendRecord(fakePacket{pType: Command, seq: i}, now), now)
	}

	// Simulate packet 0 and 1 having been acknowledged (removed from the
	// store) without the scheduler knowing yet.
	s.stores[Command.index()].remove(PartialPacketID{Sequence: 0})
	s.stores[Command.index()].remove(PartialPacketID{Sequence: 1})

	s.rebuild(now)
	top, ok := s.peek()
	require.True(t, ok)
	assert.Equal(t, PartialPacketID{Sequence: 2}, top.ID.Part, "rebuild must restart scheduling at the oldest unacked record")
}

func TestSchedulerNextToSendAdvancesPerType(t *testing.T) {
	now := time.Now()
	s := newTestScheduler(now, 10)

	s.submit(newSendRecord(fakePacket{pType: Command, seq: 0}, now), now)
	s.submit(newSendRecord(fakePacket{pType: CommandLow, seq: 0}, now), now)

	assert.Equal(t, PartialPacketID{Sequence: 1}, s.nextToSend(Command))
	assert.Equal(t, PartialPacketID{Sequence: 1}, s.nextToSend(CommandLow))
}

// TestSchedulerWindowBoundProperty implements spec.md §8's "window bound"
// property: at every tick, the schedule heap never holds more records than
// the current congestion window allows.
func TestSchedulerWindowBoundProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		now := time.Now()
		window := uint16(rapid.IntRange(1, 50).Draw(t, "window"))
		s := newTestScheduler(now, window)

		n := rapid.IntRange(0, 200).Draw(t, "n")
		for i := 0; i < n; i++ {
			rec := newSendRecord(fakePacket{pType: Command, seq: uint16(i)}, now)
			s.submit(rec, now)
			assert.LessOrEqual(t, s.len(), int(s.cong.window(now)))
		}
	})
}
