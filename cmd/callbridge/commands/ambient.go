package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/ambient"
)

func newAmbientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ambient",
		Short: "Inspect ambient background presets",
	}
	cmd.AddCommand(newAmbientRenderCmd(), newAmbientListCmd())
	return cmd
}

func newAmbientListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the ambient presets",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, p := range ambient.Presets() {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
		},
	}
}

func newAmbientRenderCmd() *cobra.Command {
	var (
		preset   string
		seconds  float64
		out      string
		assetDir string
		gain     float32
		seed     uint64
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render an ambient-only preview to a WAV file",
		Long: `Render the ambient bed a caller hears between responses as a 24 kHz
mono PCM16 WAV file.

Examples:
  callbridge ambient render --preset office --seconds 10 --out office.wav
  callbridge ambient render --preset call_center --asset-dir ./assets --out cc.wav`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			if seconds <= 0 {
				return fmt.Errorf("--seconds must be positive, got %v", seconds)
			}
			opts := []ambient.Option{ambient.WithSeed(seed)}
			if assetDir != "" {
				opts = append(opts, ambient.WithAssetDir(assetDir))
			}
			if gain > 0 {
				opts = append(opts, ambient.WithGain(gain))
			}
			m, err := ambient.New(preset, opts...)
			if err != nil {
				return fmt.Errorf("%w (choose one of %s)", err, presetList())
			}

			n := int(seconds*ambient.SampleRate) * audio.BytesPerSample
			pcm := m.AmbientOnly(n)

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := ambient.WriteWAV(f, pcm); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", out, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: preset %s, %d ms\n",
				out, m.Preset(), audio.DurationMs(pcm, ambient.SampleRate))
			return nil
		},
	}
	cmd.Flags().StringVarP(&preset, "preset", "p", "office", "ambient preset ("+presetList()+")")
	cmd.Flags().Float64VarP(&seconds, "seconds", "s", 10, "length of the preview")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output WAV file")
	cmd.Flags().StringVar(&assetDir, "asset-dir", "", "directory holding the preset WAV assets")
	cmd.Flags().Float32Var(&gain, "gain", 0, "bed gain (0 keeps the default)")
	cmd.Flags().Uint64Var(&seed, "seed", ambient.DefaultSeed, "brown noise seed used when an asset is missing")
	return cmd
}

func presetList() string {
	names := make([]string, 0, len(ambient.Presets()))
	for _, p := range ambient.Presets() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}
