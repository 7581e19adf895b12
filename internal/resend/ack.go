package resend

import "time"

// HandleAck processes an incoming acknowledgement for packet_type/acked_seq
// (spec §4.G). The ACK covers the oldest-unacked packet of that type:
//
//   - If the store's first (oldest) entry has that exact sequence, it is
//     removed and its full (generation, sequence) is returned as the
//     AckPacket event the caller should surface upward. If it was removed
//     on the very first attempt (Tries == 1), the elapsed time feeds the
//     RTT estimator.
//   - Otherwise the generation the sender meant is reconstructed from the
//     wrap direction relative to the first entry's sequence, and that
//     precise (generation, sequence) is looked up; a miss is a spurious or
//     duplicate ack and is silently ignored (spec §7).
//
// In both cases a successful removal wakes the scheduler so it can refill.
func (r *Resender) HandleAck(pType PacketType, ackedSeq uint16, now time.Time) (PacketID, bool) {
	s := r.stores[pType.index()]

	first, ok := s.min()
	if !ok {
		return PacketID{}, false
	}

	var target PartialPacketID
	if first.ID.Part.Sequence == ackedSeq {
		target = first.ID.Part
	} else {
		gen := first.ID.Part.Generation
		if ackedSeq < first.ID.Part.Sequence {
			gen++
		}
		target = PartialPacketID{Generation: gen, Sequence: ackedSeq}
	}

	rec, removed := s.remove(target)
	if !removed {
		return PacketID{}, false
	}

	if rec.Tries == 1 {
		r.rtt.update(now.Sub(rec.Sent))
	}

	r.sched.refill(now)

	return rec.ID, true
}
