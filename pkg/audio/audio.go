// Package audio holds the stateless PCM kernels used on both legs of a call:
// G.711 μ-law companding, linear-interpolation resampling, channel
// conversion, and the float helpers the ambient mixer builds on.
//
// All PCM handled here is 16-bit signed little-endian mono unless a function
// name says otherwise. Sample rates are passed explicitly; buffers never carry
// rate metadata.
package audio

import "errors"

const (
	// SampleRateUpstream is the working rate of the voice-AI leg.
	SampleRateUpstream = 24000

	// SampleRateTelephony is the rate of the G.711 telephony leg.
	SampleRateTelephony = 8000

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2
)

// ErrDecode is wrapped by every error caused by a malformed compressed
// payload. Callers drop the offending frame and keep the stream going.
var ErrDecode = errors.New("audio: malformed payload")

// DurationMs returns the playback length in milliseconds of a PCM16 mono buffer
// at rate.
func DurationMs(pcm []byte, rate int) int {
	if rate <= 0 {
		return 0
	}
	return len(pcm) / BytesPerSample * 1000 / rate
}
