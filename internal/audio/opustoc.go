package audio

import "fmt"

// frameSamplesPerConfig gives the number of samples per frame at 48kHz for
// each of the 32 possible TOC configuration numbers, per RFC 6716 §3.1
// Table 2. We only need the codec-agnostic duration here: libopus derives
// the exact same table from (audio bandwidth, frame size) pairs, but since
// we never touch bandwidth ourselves, the flattened 48kHz sample counts are
// simpler to hand-encode directly.
var frameSamplesPerConfig = [32]int{
	// 0-3: SILK NB (10,20,40,60ms)
	480, 960, 1920, 2880,
	// 4-7: SILK MB
	480, 960, 1920, 2880,
	// 8-11: SILK WB
	480, 960, 1920, 2880,
	// 12-13: Hybrid SWB (10,20ms)
	480, 960,
	// 14-15: Hybrid FB
	480, 960,
	// 16-19: CELT NB (2.5,5,10,20ms)
	120, 240, 480, 960,
	// 20-23: CELT WB
	120, 240, 480, 960,
	// 24-27: CELT SWB
	120, 240, 480, 960,
	// 28-31: CELT FB
	120, 240, 480, 960,
}

// maxPacketSamples48k is the largest legal Opus packet duration (120ms) at
// 48kHz.
const maxPacketSamples48k = 120 * 48000 / 1000

// NbSamples returns the number of samples per channel encoded in one raw
// Opus packet, reading only its TOC byte (and, for code-3 packets, the
// frame-count byte that follows). This mirrors libopus's
// opus_packet_get_nb_samples without requiring a decoder instance, so
// AudioQueue can size its buffers before calling into the decoder.
func NbSamples(data []byte, sampleRate int) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("audio: empty opus packet")
	}
	toc := data[0]
	config := int(toc >> 3)
	code := int(toc & 0x3)

	frameSize48k := frameSamplesPerConfig[config]

	var frames int
	switch code {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	default: // code 3
		if len(data) < 2 {
			return 0, fmt.Errorf("audio: truncated opus packet (code 3 with no frame-count byte)")
		}
		frames = int(data[1] & 0x3f)
		if frames == 0 {
			return 0, fmt.Errorf("audio: opus packet declares zero frames")
		}
	}

	samples48k := frames * frameSize48k
	if samples48k > maxPacketSamples48k {
		return 0, fmt.Errorf("audio: opus packet exceeds 120ms (%d frames of %d samples)", frames, frameSize48k)
	}

	if sampleRate == 48000 {
		return samples48k, nil
	}
	return samples48k * sampleRate / 48000, nil
}
