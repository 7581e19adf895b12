// Package audio implements the jitter-buffered Opus reception pipeline:
// per-talker decode queues (AudioQueue) and the mixer that fans them into
// one playback buffer (AudioHandler).
package audio

import (
	"fmt"
	"log"

	"gopkg.in/hraban/opus.v2"
)

const (
	sampleRate = 48000
	channelNum = 2

	// maxPacketLosses is how many consecutive losses mark a talker dead.
	maxPacketLosses = 3
	// lastBufferSizeCount bounds the sliding-window-minimum history.
	lastBufferSizeCount = 256
	// maxBufferSize is the most we ever let the queue buffer, in samples
	// per channel. Equivalent to 0.5s at 48kHz.
	maxBufferSize = sampleRate / 2
	// maxBufferPackets caps how many undecoded packets we hold.
	maxBufferPackets = 50
	// maxBufferTime is how long we buffer before playing anything, before
	// giving up and playing regardless. It is counted in interleaved samples,
	// the unit of GetNextData's length, so it is 0.25s of stereo audio.
	maxBufferTime = sampleRate / 2
	// speedChangeSteps: drop one stereo frame per this many when speeding
	// up playback to drain a bloated buffer.
	speedChangeSteps = 100
)

// CodecType identifies the audio codec carried in a Packet.
type CodecType int

const (
	CodecUnknown CodecType = iota
	CodecOpusVoice
	CodecOpusMusic
)

// Packet is one inbound audio datagram, already stripped of its wire
// envelope: the codec, fragmentation and encryption layers live outside
// this package (out of scope, per the surrounding protocol layer).
type Packet struct {
	ID      uint16
	Codec   CodecType
	Data    []byte
	Whisper bool
}

type queuePacket struct {
	packet  Packet
	samples int
	id      uint16
}

// bufferSample is one entry of the sliding-window-minimum deque: the
// insertion index and the buffer size recorded at that time.
type bufferSample struct {
	idx  uint16
	size int
}

// opusDecoder is the slice of gopkg.in/hraban/opus.v2's Decoder that
// AudioQueue needs. Narrowing it to an interface (the same seam
// interfaces.go uses for the transport socket) lets tests exercise the
// reorder/conceal/speed-up logic with a fake decoder instead of real
// encoded Opus bytes.
type opusDecoder interface {
	DecodeFloat32(data []byte, pcm []float32) (int, error)
	DecodeFloat32FEC(data []byte, pcm []float32) error
}

// AudioQueue buffers and decodes one talker's Opus stream, reordering,
// concealing loss, and adapting its buffering depth to observed jitter.
type AudioQueue struct {
	decoder opusDecoder

	// nextID is the id of the next packet due to be decoded; used to spot
	// loss and duplicate/out-of-order arrivals.
	nextID uint16
	whispering bool

	packetBuffer        []queuePacket
	packetBufferSamples int

	decodedBuffer []float32
	decodedPos    int

	lastPacketSamples int
	packetLossNum     int
	bufferingSamples  int

	// lastBufferSamples is the sliding-window minimum of observed buffer
	// sizes: strictly increasing in idx and size, min at front.
	lastBufferSamples    []bufferSample
	curLastBufferSample  uint16
	bufferedForSamples   int
}

// NewAudioQueue creates a queue seeded with its first packet.
func NewAudioQueue(packet Packet) (*AudioQueue, error) {
	dec, err := opus.NewDecoder(sampleRate, channelNum)
	if err != nil {
		return nil, fmt.Errorf("audio: create decoder: %w", err)
	}
	return newAudioQueue(dec, packet)
}

func newAudioQueue(dec opusDecoder, packet Packet) (*AudioQueue, error) {
	samples, err := NbSamples(packet.Data, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	q := &AudioQueue{
		decoder:           dec,
		nextID:            packet.ID,
		lastPacketSamples: samples,
	}
	q.addBufferSize(0)
	if err := q.addPacket(packet); err != nil {
		return nil, err
	}
	return q, nil
}

// IsWhispering reports whether the most recently decoded packet was tagged
// as a whisper rather than normal voice.
func (q *AudioQueue) IsWhispering() bool { return q.whispering }

// addBufferSize pushes a new (idx, size) observation onto the
// sliding-window-minimum deque, discarding any trailing entries the new one
// makes obsolete (they can never again be the minimum), then trims entries
// older than lastBufferSizeCount ticks.
func (q *AudioQueue) addBufferSize(size int) {
	for len(q.lastBufferSamples) > 0 && q.lastBufferSamples[len(q.lastBufferSamples)-1].size >= size {
		q.lastBufferSamples = q.lastBufferSamples[:len(q.lastBufferSamples)-1]
	}
	idx := q.curLastBufferSample
	q.lastBufferSamples = append(q.lastBufferSamples, bufferSample{idx: idx, size: size})
	q.curLastBufferSample++

	for len(q.lastBufferSamples) > 0 && q.curLastBufferSample-q.lastBufferSamples[0].idx > lastBufferSizeCount {
		q.lastBufferSamples = q.lastBufferSamples[1:]
	}
}

// getMinQueueSize returns the smallest observed buffer-size-plus-one-frame
// over the last lastBufferSizeCount ticks — the "how little can we get away
// with buffering" estimate that drives speed-up/truncation decisions.
func (q *AudioQueue) getMinQueueSize() int {
	min := 0
	if len(q.lastBufferSamples) > 0 {
		min = q.lastBufferSamples[0].size
	}
	return q.lastPacketSamples + min
}

// AddPacket inserts a freshly arrived packet into the reorder buffer in id
// order. Packets too far behind the next expected id are dropped as too
// late; a full buffer is dropped as overflow.
func (q *AudioQueue) AddPacket(packet Packet) error {
	return q.addPacket(packet)
}

func (q *AudioQueue) addPacket(packet Packet) error {
	if len(q.packetBuffer) >= maxBufferPackets {
		return fmt.Errorf("%w: dropping packet %d", ErrQueueFull, packet.ID)
	}
	samples, err := NbSamples(packet.Data, sampleRate)
	if err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	id := packet.ID

	if uint16(id-q.nextID) > maxBufferPackets {
		return fmt.Errorf("%w: packet %d", ErrPacketTooLate, id)
	}

	// Find the insertion point: the first position (scanning from the
	// back) whose id is not greater than the new one.
	i := len(q.packetBuffer)
	for i > 0 && id < q.packetBuffer[i-1].id {
		i--
	}

	lastID := id
	if len(q.packetBuffer) > 0 {
		lastID = q.packetBuffer[len(q.packetBuffer)-1].id + 1
	}
	if lastID <= id {
		q.bufferingSamples = saturatingSub(q.bufferingSamples, samples)
		q.bufferingSamples = saturatingSub(q.bufferingSamples, int(id-lastID)*q.lastPacketSamples)
	}

	q.packetBufferSamples += samples
	q.packetBuffer = append(q.packetBuffer, queuePacket{})
	copy(q.packetBuffer[i+1:], q.packetBuffer[i:])
	q.packetBuffer[i] = queuePacket{packet: packet, samples: samples, id: id}

	return nil
}

func saturatingSub(a, b int) int {
	if b >= a {
		return 0
	}
	return a - b
}

// decodePacket decodes one packet (or, if packet is nil, conceals its
// absence) and appends the result to decodedBuffer.
func (q *AudioQueue) decodePacket(packet *queuePacket, fec bool) error {
	var data []byte
	length := q.lastPacketSamples
	if packet != nil {
		data = packet.packet.Data
		length = packet.samples
		q.whispering = packet.packet.Whisper
	}
	q.packetLossNum++

	start := len(q.decodedBuffer)
	need := start + length*channelNum
	if need > len(q.decodedBuffer) {
		grown := make([]float32, need)
		copy(grown, q.decodedBuffer)
		q.decodedBuffer = grown
	} else {
		q.decodedBuffer = q.decodedBuffer[:need]
	}

	var n int
	var err error
	dst := q.decodedBuffer[start:]
	switch {
	case fec:
		err = q.decoder.DecodeFloat32FEC(data, dst)
		n = length
	case data != nil:
		n, err = q.decoder.DecodeFloat32(data, dst)
	default:
		n, err = q.decoder.DecodeFloat32(nil, dst)
	}
	if err != nil {
		return fmt.Errorf("audio: decode: %w", err)
	}
	q.lastPacketSamples = n
	q.decodedBuffer = q.decodedBuffer[:start+n*channelNum]

	if packet != nil && !fec {
		q.packetLossNum = 0
	}

	count := q.packetBufferSamples
	if last, ok := q.lastQueued(); ok {
		count += (int(last.id-q.nextID) + 1 - len(q.packetBuffer)) * q.lastPacketSamples
	}
	q.addBufferSize(count)

	return nil
}

func (q *AudioQueue) lastQueued() (queuePacket, bool) {
	if len(q.packetBuffer) == 0 {
		return queuePacket{}, false
	}
	return q.packetBuffer[len(q.packetBuffer)-1], true
}

func (q *AudioQueue) popFront() (queuePacket, bool) {
	if len(q.packetBuffer) == 0 {
		return queuePacket{}, false
	}
	p := q.packetBuffer[0]
	q.packetBuffer = q.packetBuffer[1:]
	return p, true
}

func (q *AudioQueue) pushFront(p queuePacket) {
	q.packetBuffer = append(q.packetBuffer, queuePacket{})
	copy(q.packetBuffer[1:], q.packetBuffer)
	q.packetBuffer[0] = p
}

// GetNextData decodes and returns length interleaved samples
// (length/channelNum per channel) of playback audio. While the queue is
// still buffering up to its target depth it returns nil instead.
func (q *AudioQueue) GetNextData(length int) ([]float32, error) {
	if q.bufferingSamples > 0 {
		if q.bufferedForSamples >= maxBufferTime {
			q.bufferingSamples = 0
			q.bufferedForSamples = 0
		} else {
			q.bufferedForSamples += length
			return nil, nil
		}
	}

	for len(q.decodedBuffer) < q.decodedPos+length {
		if q.decodedPos < len(q.decodedBuffer) {
			if q.decodedPos > 0 {
				q.decodedBuffer = append(q.decodedBuffer[:0], q.decodedBuffer[q.decodedPos:]...)
				q.decodedPos = 0
			}
		} else {
			q.decodedBuffer = q.decodedBuffer[:0]
			q.decodedPos = 0
		}

		if packet, ok := q.popFront(); ok {
			q.packetBufferSamples -= packet.samples
			curID := q.nextID
			q.nextID++
			if packet.id > curID {
				log.Printf("[audio] packet loss: need %d have %d", curID, packet.id)
				if packet.id == q.nextID {
					if err := q.decodePacket(&packet, true); err != nil {
						return nil, err
					}
				} else {
					if err := q.decodePacket(nil, false); err != nil {
						return nil, err
					}
				}
				q.packetBufferSamples += packet.samples
				q.pushFront(packet)
			} else {
				if err := q.decodePacket(&packet, false); err != nil {
					return nil, err
				}
			}
		} else {
			if err := q.decodePacket(nil, false); err != nil {
				return nil, err
			}
		}

		min := q.getMinQueueSize()
		minLeft := min - q.lastPacketSamples
		switch {
		case minLeft > maxBufferSize:
			q.truncateBuffer(min)
		case min > q.lastPacketSamples:
			q.speedUp()
		}
	}

	res := q.decodedBuffer[q.decodedPos : q.decodedPos+length]
	q.decodedPos += length
	return res, nil
}

// truncateBuffer discards all but the shortest tail of queued packets that
// holds at least min samples: the buffer has grown too deep, so we throw
// away the oldest backlog rather than keep playing catch-up.
func (q *AudioQueue) truncateBuffer(min int) {
	keepSamples := 0
	keep := 0
	for i := len(q.packetBuffer) - 1; i >= 0; i-- {
		keepSamples += q.packetBuffer[i].samples
		keep++
		if keepSamples >= min {
			break
		}
	}
	drop := len(q.packetBuffer) - keep
	q.packetBuffer = q.packetBuffer[drop:]
	total := 0
	for _, p := range q.packetBuffer {
		total += p.samples
	}
	q.packetBufferSamples = total
	if len(q.packetBuffer) > 0 {
		q.nextID = q.packetBuffer[0].id
	}
}

// speedUp drops one stereo frame per speedChangeSteps within the
// just-decoded tail of decodedBuffer, shortening audible playback slightly
// to drain a buffer that is running a little deep.
func (q *AudioQueue) speedUp() {
	start := len(q.decodedBuffer) - q.lastPacketSamples*channelNum
	for i := 0; i < q.lastPacketSamples/speedChangeSteps; i++ {
		at := start + i*(speedChangeSteps-1)*channelNum
		if at+channelNum > len(q.decodedBuffer) {
			break
		}
		q.decodedBuffer = append(q.decodedBuffer[:at], q.decodedBuffer[at+channelNum:]...)
	}
}
