package audio

// G.711 μ-law companding. The decode side is table driven; the table is
// built once from the segment/mantissa formula of the ITU recommendation so
// every entry matches the reference decoder bit for bit.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawTable = func() (t [256]int16) {
	for i := range t {
		t[i] = mulawToLinear(byte(i))
	}
	return t
}()

func mulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func linearToMulaw(s int16) byte {
	sample := int32(s)
	var sign byte
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMulaw expands G.711 μ-law bytes into 16-bit little-endian PCM.
// Every input byte yields exactly one sample (two output bytes).
func DecodeMulaw(compressed []byte) []byte {
	out := make([]byte, len(compressed)*2)
	for i, c := range compressed {
		v := mulawTable[c]
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// EncodeMulaw compresses 16-bit little-endian PCM into G.711 μ-law.
// A trailing odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = linearToMulaw(s)
	}
	return out
}
