package resend

import (
	"container/heap"
	"time"
)

// recordHeap is a container/heap.Interface over *SendRecord pointers,
// ordered so the most urgent record to (re)send sorts first (spec §3,
// "Schedule heap"):
//   - records never yet sent (Tries == 0) outrank any retransmission;
//   - among equal categories, the earlier Last time outranks the later;
//   - ties break on the lower (generation, sequence).
type recordHeap []*SendRecord

func (h recordHeap) Len() int { return len(h) }

func (h recordHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if (a.Tries == 0) != (b.Tries == 0) {
		return a.Tries == 0
	}
	if !a.Last.Equal(b.Last) {
		return a.Last.Before(b.Last)
	}
	return a.ID.Part.Less(b.ID.Part)
}

func (h recordHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *recordHeap) Push(x any) { *h = append(*h, x.(*SendRecord)) }

func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// scheduler is the retransmission priority queue (spec §4.C): a heap of
// records due for (re)transmission, refilled from the three per-type
// stores up to the current CUBIC window.
type scheduler struct {
	stores  [numPacketTypes]*store
	cursors [numPacketTypes]PartialPacketID
	heap    recordHeap
	cong    *congestion
}

func newScheduler(stores [numPacketTypes]*store, cong *congestion) *scheduler {
	return &scheduler{stores: stores, cong: cong}
}

func (s *scheduler) isEmpty() bool { return len(s.heap) == 0 }
func (s *scheduler) len() int      { return len(s.heap) }

// peek returns the top of the schedule heap without removing it.
func (s *scheduler) peek() (*SendRecord, bool) {
	if len(s.heap) == 0 {
		return nil, false
	}
	return s.heap[0], true
}

// popStale removes and discards the top of the heap (used when it no
// longer exists in the backing store — it was acknowledged).
func (s *scheduler) popStale() {
	heap.Pop(&s.heap)
}

// fixTop re-sifts the heap after the record at the top has been mutated in
// place (Tries/Last bumped by a retransmission). container/heap has no
// equivalent of Rust's BinaryHeap::peek_mut, whose PeekMut guard re-sifts on
// Drop — this call is that re-sift, done explicitly.
func (s *scheduler) fixTop() {
	heap.Fix(&s.heap, 0)
}

// submit inserts rec into its type's store then refills the schedule.
func (s *scheduler) submit(rec *SendRecord, now time.Time) {
	s.stores[rec.ID.Type.index()].insert(rec)
	s.refill(now)
}

// refill fills the heap up to the current congestion window, pulling the
// next-due record from whichever of the three per-type cursors has the
// oldest Sent timestamp. Mirrors tsproto's fill_up_send_queue, including
// the no-congestion bookkeeping and the loss-shift rule: the shift only
// applies when the heap reaches window size without running dry.
func (s *scheduler) refill(now time.Time) {
	window := int(s.cong.window(now))
	for len(s.heap) < window {
		bestType := -1
		var bestRec *SendRecord
		for i := 0; i < numPacketTypes; i++ {
			rec, ok := s.stores[i].firstFrom(s.cursors[i])
			if !ok {
				continue
			}
			if bestRec == nil || rec.Sent.Before(bestRec.Sent) {
				bestType = i
				bestRec = rec
			}
		}
		if bestRec == nil {
			s.cong.markNoCongestion(now)
			return
		}
		s.cursors[bestType] = bestRec.ID.Part.Add(1)
		heap.Push(&s.heap, bestRec)
	}
	s.cong.leaveNoCongestion(now)
}

// rebuild resets the heap and cursors to the oldest-unacked id per type and
// refills. Called after a loss is detected (spec §4.C, "Rebuild on loss").
func (s *scheduler) rebuild(now time.Time) {
	s.heap = s.heap[:0]
	for i := 0; i < numPacketTypes; i++ {
		if rec, ok := s.stores[i].min(); ok {
			s.cursors[i] = rec.ID.Part
		} else {
			s.cursors[i] = PartialPacketID{}
		}
	}
	s.refill(now)
}

// nextToSend returns t's refill cursor: the id from which the next refill
// looks for a record of that type to schedule.
func (s *scheduler) nextToSend(t PacketType) PartialPacketID {
	return s.cursors[t.index()]
}
