// Package audio provides the μ-law utilities used on the telephony media
// path: frame chunking, base64 payload framing, PCM16 → μ-law encoding, and
// sample-rate conversion for model audio.
//
// All telephony audio in and out of this system is μ-law, 8 kHz, mono. The
// package performs no other re-encoding and no channel conversion.
package audio

import (
	"encoding/base64"
	"iter"
)

const (
	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000

	// FrameSize is the canonical media frame size in bytes: 160 bytes of
	// μ-law at 8 kHz is 20 ms of audio.
	FrameSize = 160

	// FrameDuration is the wall-clock playout time of one FrameSize frame.
	FrameDurationMs = 20
)

// Chunks returns a lazy sequence of frames of at most frameSize bytes over b.
// The final frame may be shorter than frameSize but is never dropped. The
// yielded slices alias b; callers must not retain them past the iteration if
// b is reused. A non-positive frameSize yields nothing.
func Chunks(b []byte, frameSize int) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if frameSize <= 0 {
			return
		}
		for off := 0; off < len(b); off += frameSize {
			end := off + frameSize
			if end > len(b) {
				end = len(b)
			}
			if !yield(b[off:end]) {
				return
			}
		}
	}
}

// EncodePayload encodes a μ-law frame for a framed-JSON media message.
func EncodePayload(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}

// DecodePayload decodes the base64 payload of a framed-JSON media message.
func DecodePayload(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}
