package audio_test

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 24000, 24000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
	if &out[0] != &pcm[0] {
		t.Error("same-rate resample should return the input slice")
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 8kHz → 6 samples at 24kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 8000, 24000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	// First output sample should equal first source sample.
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	// Last output sample should be close to last source sample.
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 24kHz → 2 samples at 8kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 24000, 8000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	// Zero srcRate should return input unchanged.
	out := audio.ResampleMono16(pcm, 0, 48000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	// Zero dstRate should return input unchanged.
	out = audio.ResampleMono16(pcm, 48000, 0)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
	// Negative rates should return input unchanged.
	out = audio.ResampleMono16(pcm, -1, 48000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for negative srcRate, got len %d", len(out))
	}
}

func TestResampleMono16_Deterministic(t *testing.T) {
	pcm := samplesToBytes([]int16{-32768, -1200, 0, 77, 4000, 32767, 12, -9})
	a := audio.ResampleMono16(pcm, 8000, 24000)
	b := audio.ResampleMono16(pcm, 8000, 24000)
	if !bytes.Equal(a, b) {
		t.Fatal("resampling the same input twice gave different output")
	}
}

func TestResampleMono16_OutputLength(t *testing.T) {
	tests := []struct {
		name     string
		samples  int
		src, dst int
		want     int
	}{
		{"telephony to upstream", 160, 8000, 24000, 480},
		{"upstream to telephony", 480, 24000, 8000, 160},
		{"uneven downsample", 7, 24000, 8000, 2},
		{"single sample", 1, 8000, 24000, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm := make([]byte, tt.samples*2)
			got := len(audio.ResampleMono16(pcm, tt.src, tt.dst)) / 2
			if got != tt.want {
				t.Errorf("got %d samples, want %d", got, tt.want)
			}
		})
	}
}

func TestDecodeTelephony(t *testing.T) {
	t.Parallel()

	silence := bytes.Repeat([]byte{0xFF}, 320)
	payload := base64.StdEncoding.EncodeToString(silence)

	pcm, err := audio.DecodeTelephony(payload, audio.SampleRateUpstream)
	if err != nil {
		t.Fatalf("DecodeTelephony: %v", err)
	}
	samples := bytesToSamples(pcm)
	if n := len(samples); n < 959 || n > 961 {
		t.Fatalf("got %d samples, want 960±1", n)
	}
	for i, s := range samples {
		if s != 0 {
			t.Fatalf("sample %d: got %d, want 0", i, s)
		}
	}
}

func TestDecodeTelephony_Empty(t *testing.T) {
	pcm, err := audio.DecodeTelephony("", audio.SampleRateUpstream)
	if err != nil {
		t.Fatalf("DecodeTelephony: %v", err)
	}
	if len(pcm) != 0 {
		t.Errorf("got %d bytes, want 0", len(pcm))
	}
}

func TestDecodeTelephony_InvalidBase64(t *testing.T) {
	_, err := audio.DecodeTelephony("!!not base64!!", audio.SampleRateUpstream)
	if !errors.Is(err, audio.ErrDecode) {
		t.Fatalf("got %v, want ErrDecode", err)
	}
}

func TestEncodeTelephony_Length(t *testing.T) {
	pcm := make([]byte, 480*2) // 20 ms at 24 kHz
	payload := audio.EncodeTelephony(pcm, audio.SampleRateUpstream)
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(raw) != 160 {
		t.Errorf("got %d μ-law bytes, want 160", len(raw))
	}
}

func TestDurationMs(t *testing.T) {
	if got := audio.DurationMs(make([]byte, 960), audio.SampleRateUpstream); got != 20 {
		t.Errorf("got %d ms, want 20", got)
	}
	if got := audio.DurationMs(make([]byte, 960), 0); got != 0 {
		t.Errorf("zero rate: got %d, want 0", got)
	}
}
