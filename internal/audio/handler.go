package audio

import (
	"fmt"
	"log"
)

// AudioHandler fans multiple talkers' AudioQueues into one mixed playback
// buffer, creating and destroying per-talker queues as packets arrive and
// streams end.
type AudioHandler[ID comparable] struct {
	queues         map[ID]*AudioQueue
	talkersChanged bool

	// avgBufferSamples seeds new queues' buffering depth from the existing
	// talkers' observed minimums, so a talker joining mid-conversation
	// doesn't re-learn jitter from scratch.
	avgBufferSamples int
}

// NewAudioHandler creates an empty mixer.
func NewAudioHandler[ID comparable]() *AudioHandler[ID] {
	return &AudioHandler[ID]{queues: make(map[ID]*AudioQueue)}
}

// Reset deletes all talker queues.
func (h *AudioHandler[ID]) Reset() {
	h.queues = make(map[ID]*AudioQueue)
	h.talkersChanged = false
}

// TalkersChanged reports and clears whether the active-talker set changed
// since the last call.
func (h *AudioHandler[ID]) TalkersChanged() bool {
	if h.talkersChanged {
		h.talkersChanged = false
		return true
	}
	return false
}

// FillBuffer additively mixes every live talker's next len(buf) samples
// into buf. buf is not cleared first: callers seed it with silence (or
// whatever they want summed with the voice mix) before calling.
func (h *AudioHandler[ID]) FillBuffer(buf []float32) {
	var toRemove []ID
	for id, queue := range h.queues {
		if queue.packetLossNum >= maxPacketLosses {
			toRemove = append(toRemove, id)
			continue
		}

		data, err := queue.GetNextData(len(buf))
		if err != nil {
			log.Printf("[audio] decode failed: %v", err)
			continue
		}
		for i := 0; i < len(data); i++ {
			buf[i] += data[i]
		}
	}

	for _, id := range toRemove {
		delete(h.queues, id)
		h.talkersChanged = true
	}
}

// HandlePacket routes an inbound packet to its talker's queue, creating the
// queue on first contact and destroying it on an explicit end-of-stream
// (empty payload) marker.
func (h *AudioHandler[ID]) HandlePacket(id ID, packet Packet) error {
	empty := len(packet.Data) == 0
	if packet.Codec != CodecOpusMusic && packet.Codec != CodecOpusVoice {
		return fmt.Errorf("%w: %v", ErrInvalidCodec, packet.Codec)
	}

	if queue, ok := h.queues[id]; ok {
		if empty {
			delete(h.queues, id)
			h.talkersChanged = true
			return nil
		}
		return queue.addPacket(packet)
	}

	if empty {
		return nil
	}

	queue, err := NewAudioQueue(packet)
	if err != nil {
		return err
	}
	if len(h.queues) > 0 {
		total := 0
		for _, q := range h.queues {
			total += q.getMinQueueSize()
		}
		h.avgBufferSamples = total / len(h.queues)
	}
	queue.bufferingSamples = h.avgBufferSamples
	h.queues[id] = queue
	h.talkersChanged = true
	return nil
}
