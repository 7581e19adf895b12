package resend

import (
	"fmt"
	"time"

	"github.com/google/btree"
)

// btreeDegree is the branching factor for the ordered per-type stores.
// Send queues are small (bounded by the 32767-packet window cap) so a
// modest degree keeps node splits cheap without materially affecting
// lookup depth.
const btreeDegree = 32

// OutPacket is the minimal view the resender needs of an outbound datagram.
// The packet codec that builds the bytes and the encryption layer that
// signs them live outside this package (spec §1: out of scope).
type OutPacket interface {
	PacketType() PacketType
	GenerationID() uint32
	PacketID() uint16
	Bytes() []byte
}

// SendRecord is one outstanding reliable packet tracked for retransmission.
//
// Invariant: Tries == 0 iff Last.Equal(Sent) and the packet has never been
// written to the socket.
type SendRecord struct {
	Sent   time.Time
	Last   time.Time
	Tries  int
	ID     PacketID
	Packet OutPacket
}

func newSendRecord(p OutPacket, now time.Time) *SendRecord {
	id := PacketID{
		Type: p.PacketType(),
		Part: PartialPacketID{Generation: p.GenerationID(), Sequence: p.PacketID()},
	}
	return &SendRecord{Sent: now, Last: now, Tries: 0, ID: id, Packet: p}
}

// recordItem adapts *SendRecord to btree.Item, ordering by the record's
// sequence part within one packet-type store.
type recordItem struct{ rec *SendRecord }

func (a recordItem) Less(than btree.Item) bool {
	b := than.(recordItem)
	return a.rec.ID.Part.Less(b.rec.ID.Part)
}

func partKey(part PartialPacketID) recordItem {
	return recordItem{rec: &SendRecord{ID: PacketID{Part: part}}}
}

// store is the ordered per-packet-type map of outstanding SendRecords.
// Invariant: keys form a contiguous range from the oldest unacked id up to
// the next id to emit — no gaps within a type. That invariant is upheld by
// the caller (the scheduler never skips an id when submitting).
type store struct {
	tree *btree.BTree
}

func newStore() *store {
	return &store{tree: btree.New(btreeDegree)}
}

// insert adds rec to the store. Duplicates must never occur: the submitter
// is responsible for allocating the next id for the given type.
func (s *store) insert(rec *SendRecord) {
	item := recordItem{rec: rec}
	if existing := s.tree.ReplaceOrInsert(item); existing != nil {
		panic(fmt.Sprintf("resend: duplicate send record for id %v", rec.ID))
	}
}

// remove deletes and returns the record for id, if present.
func (s *store) remove(part PartialPacketID) (*SendRecord, bool) {
	removed := s.tree.Delete(partKey(part))
	if removed == nil {
		return nil, false
	}
	return removed.(recordItem).rec, true
}

// get returns the record for id without removing it.
func (s *store) get(part PartialPacketID) (*SendRecord, bool) {
	found := s.tree.Get(partKey(part))
	if found == nil {
		return nil, false
	}
	return found.(recordItem).rec, true
}

// min returns the oldest (lowest-sequence) outstanding record, if any.
func (s *store) min() (*SendRecord, bool) {
	item := s.tree.Min()
	if item == nil {
		return nil, false
	}
	return item.(recordItem).rec, true
}

func (s *store) len() int { return s.tree.Len() }

// ascendFrom visits records in key order starting at or after start, until
// fn returns false.
func (s *store) ascendFrom(start PartialPacketID, fn func(*SendRecord) bool) {
	s.tree.AscendGreaterOrEqual(partKey(start), func(item btree.Item) bool {
		return fn(item.(recordItem).rec)
	})
}

// firstFrom returns the first record at or after start, if any, without
// mutating the store.
func (s *store) firstFrom(start PartialPacketID) (*SendRecord, bool) {
	var found *SendRecord
	s.ascendFrom(start, func(rec *SendRecord) bool {
		found = rec
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}
