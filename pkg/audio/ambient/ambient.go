// Package ambient mixes a looping background bed (office chatter, call-centre
// murmur) into outgoing PCM16 speech so synthetic voices sound like they come
// from a real room.
//
// A [Mixer] is bound to one call and is not safe for concurrent use. The bed
// is loaded once at construction from a WAV asset; when the asset is missing
// or unreadable a reproducible brown-noise bed is synthesised instead.
package ambient

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"path/filepath"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// Preset names a background bed.
type Preset string

const (
	PresetNone       Preset = "none"
	PresetOffice     Preset = "office"
	PresetCallCenter Preset = "call_center"
)

// presetAssets maps each preset to its WAV file. PresetNone has no asset and
// yields a disabled mixer.
var presetAssets = map[Preset]string{
	PresetNone:       "",
	PresetOffice:     "office.wav",
	PresetCallCenter: "callcenter.wav",
}

// Presets returns the recognised preset names.
func Presets() []Preset {
	return []Preset{PresetNone, PresetOffice, PresetCallCenter}
}

// IsValid reports whether p is a recognised preset.
func (p Preset) IsValid() bool {
	_, ok := presetAssets[p]
	return ok
}

const (
	// SampleRate is the rate the bed is stored and mixed at.
	SampleRate = audio.SampleRateUpstream

	// DefaultGain scales the bed before it is added to speech.
	DefaultGain = 0.08

	// ClipThreshold bounds the soft clipper applied to the mixed signal.
	ClipThreshold = 0.95

	// TargetDBFS is the RMS level loaded assets are normalised to.
	TargetDBFS = -20.0

	// silenceRMS is the level at or below which an asset is left unscaled.
	silenceRMS = 1e-10

	brownNoiseSeconds = 30
	brownNoisePeak    = 0.1
	brownNoiseDecay   = 0.98

	// DefaultSeed seeds the brown-noise fallback.
	DefaultSeed uint64 = 42
)

var (
	// ErrConfig is the class of every construction error.
	ErrConfig = errors.New("ambient: invalid configuration")

	// ErrUnknownPreset is returned by [New] for names outside [Presets].
	ErrUnknownPreset = fmt.Errorf("%w: unknown preset", ErrConfig)
)

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithAssetDir sets the directory the preset WAV files are read from.
// Defaults to the working directory.
func WithAssetDir(dir string) Option {
	return func(m *Mixer) {
		m.assetDir = dir
	}
}

// WithSeed seeds the synthetic brown noise used when no asset is available.
func WithSeed(seed uint64) Option {
	return func(m *Mixer) {
		m.seed = seed
	}
}

// WithGain overrides [DefaultGain]. Non-positive values are ignored.
func WithGain(g float32) Option {
	return func(m *Mixer) {
		if g > 0 {
			m.gain = g
		}
	}
}

// WithLogger sets the logger used to report asset fallbacks.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mixer) {
		if l != nil {
			m.log = l
		}
	}
}

// Mixer overlays a looping noise bed onto PCM16 mono audio at [SampleRate].
type Mixer struct {
	preset   Preset
	assetDir string
	seed     uint64
	gain     float32
	log      *slog.Logger

	noise []float32 // nil when disabled
	pos   int       // read cursor into noise, always in [0, len(noise))
}

// New creates a mixer for the named preset. Unknown names fail with an error
// wrapping [ErrUnknownPreset]. Asset read failures never fail construction;
// they fall back to synthetic brown noise.
func New(preset string, opts ...Option) (*Mixer, error) {
	p := Preset(preset)
	file, ok := presetAssets[p]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownPreset, preset)
	}

	m := &Mixer{
		preset: p,
		seed:   DefaultSeed,
		gain:   DefaultGain,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}

	if file == "" {
		return m, nil
	}

	path := filepath.Join(m.assetDir, file)
	bed, err := loadAsset(path)
	if err != nil || len(bed) == 0 {
		m.log.Warn("ambient: asset unavailable, using brown noise",
			"preset", string(p), "path", path, "err", err)
		// Already peak-normalized; only assets are RMS-normalized.
		m.noise = BrownNoise(m.seed, brownNoiseSeconds*SampleRate)
		return m, nil
	}
	m.noise = normalizeRMS(bed)
	return m, nil
}

// Enabled reports whether the mixer has a bed. A disabled mixer passes audio
// through untouched.
func (m *Mixer) Enabled() bool { return len(m.noise) > 0 }

// Preset returns the preset name the mixer was built with.
func (m *Mixer) Preset() string { return string(m.preset) }

// Reset rewinds the bed to its start.
func (m *Mixer) Reset() { m.pos = 0 }

// NextChunk returns the next n samples of the bed, wrapping to the start
// without a gap when the end is reached. A disabled mixer returns zeros.
func (m *Mixer) NextChunk(n int) []float32 {
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	if !m.Enabled() {
		return out
	}
	filled := 0
	for filled < n {
		c := copy(out[filled:], m.noise[m.pos:])
		filled += c
		m.pos += c
		if m.pos >= len(m.noise) {
			m.pos = 0
		}
	}
	return out
}

// Mix adds the bed to speech (PCM16 mono at [SampleRate]) and soft-clips the
// result. A disabled mixer returns pcm itself. The output holds one sample
// per complete input sample.
func (m *Mixer) Mix(pcm []byte) []byte {
	if !m.Enabled() || len(pcm) < audio.BytesPerSample {
		return pcm
	}
	speech := audio.PCM16ToFloat(pcm)
	bed := m.NextChunk(len(speech))
	for i := range speech {
		speech[i] = audio.SoftClip(speech[i]+bed[i]*m.gain, ClipThreshold)
	}
	return audio.FloatToPCM16(speech)
}

// AmbientOnly returns nBytes of bed-only PCM16 for filling silence between
// utterances. A disabled mixer returns nBytes zero bytes.
func (m *Mixer) AmbientOnly(nBytes int) []byte {
	if nBytes <= 0 {
		return nil
	}
	if !m.Enabled() {
		return make([]byte, nBytes)
	}
	bed := m.NextChunk(nBytes / audio.BytesPerSample)
	for i := range bed {
		bed[i] = audio.SoftClip(bed[i]*m.gain, ClipThreshold)
	}
	return audio.FloatToPCM16(bed)
}

// BrownNoise synthesises n samples of brown noise from a seeded PCG source:
// Gaussian white noise through a one-pole low-pass, scaled to a peak of 0.1.
// The same seed always yields the same samples.
func BrownNoise(seed uint64, n int) []float32 {
	if n <= 0 {
		return nil
	}
	r := rand.New(rand.NewPCG(seed, seed))
	out := make([]float32, n)
	var y, peak float64
	for i := range out {
		y = brownNoiseDecay*y + (1-brownNoiseDecay)*r.NormFloat64()
		out[i] = float32(y)
		peak = math.Max(peak, math.Abs(y))
	}
	if peak > 0 {
		scale := float32(brownNoisePeak / peak)
		for i := range out {
			out[i] *= scale
		}
	}
	return out
}

// normalizeRMS scales samples in place to [TargetDBFS] RMS. Near-silent input
// is returned unchanged.
func normalizeRMS(samples []float32) []float32 {
	rms := audio.RMS(samples)
	if rms <= silenceRMS {
		return samples
	}
	scale := float32(audio.DBFSToLinear(TargetDBFS) / rms)
	for i := range samples {
		samples[i] *= scale
	}
	return samples
}
