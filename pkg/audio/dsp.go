package audio

import "math"

// PCM16ToFloat converts little-endian int16 samples to floats in [-1, 1).
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// FloatToPCM16 scales floats by 32767 and truncates toward zero. Values
// outside [-1, 1] are clamped to the int16 range.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := float64(f) * 32767
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		s := int16(v)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// SoftClip compresses x smoothly toward ±threshold using tanh(x/t)*t.
// The magnitude of the result is always strictly below threshold.
func SoftClip(x, threshold float32) float32 {
	if threshold <= 0 {
		return 0
	}
	y := float32(math.Tanh(float64(x)/float64(threshold)) * float64(threshold))
	limit := math.Nextafter32(threshold, 0)
	switch {
	case y > limit:
		return limit
	case y < -limit:
		return -limit
	}
	return y
}

// RMS returns the root mean square of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFSToLinear converts a level in dBFS to a linear amplitude.
func DBFSToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// Downmix averages interleaved frames of the given channel count into mono.
// A trailing partial frame is dropped.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	mono := make([]float32, len(interleaved)/channels)
	for i := range mono {
		var sum float32
		for _, s := range interleaved[i*channels : (i+1)*channels] {
			sum += s
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
