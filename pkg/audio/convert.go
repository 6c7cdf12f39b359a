package audio

import (
	"encoding/base64"
	"fmt"
)

// DecodeTelephony turns one base64 media payload from the telephony leg
// (8 kHz G.711 μ-law) into 16-bit linear PCM at dstRate.
//
// Errors wrap [ErrDecode]. An empty payload decodes to an empty buffer.
func DecodeTelephony(payloadB64 string, dstRate int) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %w", ErrDecode, err)
	}
	pcm := DecodeMulaw(compressed)
	return ResampleMono16(pcm, SampleRateTelephony, dstRate), nil
}

// EncodeTelephony converts 16-bit linear PCM at srcRate into a base64 μ-law
// payload at the telephony rate, ready to be embedded in a media message.
func EncodeTelephony(pcm []byte, srcRate int) string {
	narrow := ResampleMono16(pcm, srcRate, SampleRateTelephony)
	return base64.StdEncoding.EncodeToString(EncodeMulaw(narrow))
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged. A trailing odd byte is ignored.
//
// The output holds floor(n*dstRate/srcRate) samples and is bit-identical for a
// given input and rate pair.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleFloat resamples float samples from srcRate to dstRate with linear
// interpolation. Used when loading ambient assets recorded at other rates.
func ResampleFloat(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}
