package ambient

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// loadAsset reads a PCM WAV file and returns mono float samples at
// [SampleRate]. Multi-channel files are averaged down to mono.
func loadAsset(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ambient: open asset: %w", err)
	}
	defer f.Close()
	return decodeWAV(f)
}

func decodeWAV(r io.ReadSeeker) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("ambient: decode asset: not a PCM wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("ambient: decode asset: %w", err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, errors.New("ambient: decode asset: missing format")
	}

	var (
		depth     = int(dec.BitDepth)
		offset    float32
		fullScale float32
	)
	switch depth {
	case 8:
		offset, fullScale = 128, 128
	case 16:
		fullScale = 1 << 15
	case 24:
		fullScale = 1 << 23
	case 32:
		fullScale = 1 << 31
	default:
		return nil, fmt.Errorf("ambient: decode asset: unsupported bit depth %d", depth)
	}

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = (float32(v) - offset) / fullScale
	}
	mono := audio.Downmix(samples, buf.Format.NumChannels)
	return audio.ResampleFloat(mono, buf.Format.SampleRate, SampleRate), nil
}

// WriteWAV encodes PCM16 mono at [SampleRate] as a 16-bit WAV file.
func WriteWAV(w io.WriteSeeker, pcm []byte) error {
	enc := wav.NewEncoder(w, SampleRate, 16, 1, 1)
	samples := make([]int, len(pcm)/audio.BytesPerSample)
	for i := range samples {
		samples[i] = int(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("ambient: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("ambient: close wav: %w", err)
	}
	return nil
}
