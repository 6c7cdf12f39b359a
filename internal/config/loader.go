package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callbridge/pkg/audio/ambient"
)

// Environment variables overriding file values. The first set variable of
// each group wins.
var envOverrides = []struct {
	vars []string
	set  func(*Config, string)
}{
	{[]string{"CALLBRIDGE_VOICE_LIVE_API_KEY", "AZURE_VOICE_LIVE_API_KEY"}, func(c *Config, v string) { c.VoiceLive.APIKey = v }},
	{[]string{"AZURE_USER_ASSIGNED_IDENTITY_CLIENT_ID"}, func(c *Config, v string) { c.VoiceLive.ManagedIdentityClientID = v }},
	{[]string{"AZURE_VOICE_LIVE_ENDPOINT"}, func(c *Config, v string) { c.VoiceLive.Endpoint = v }},
	{[]string{"VOICE_LIVE_MODEL"}, func(c *Config, v string) { c.VoiceLive.Model = v }},
	{[]string{"CALLBRIDGE_POSTGRES_DSN"}, func(c *Config, v string) { c.Storage.PostgresDSN = v }},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides and defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies the process
// environment and defaults, and validates the result. An empty document is
// allowed; the environment may supply everything required.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	*cfg = cfg.WithDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overwrites cfg fields with non-empty values returned by lookup,
// usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for _, o := range envOverrides {
		for _, name := range o.vars {
			if v, ok := lookup(name); ok && v != "" {
				o.set(cfg, v)
				break
			}
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Voice Live
	vl := cfg.VoiceLive
	if vl.Endpoint == "" {
		errs = append(errs, errors.New("voice_live.endpoint is required (or set AZURE_VOICE_LIVE_ENDPOINT)"))
	} else if u, err := url.Parse(vl.Endpoint); err != nil || (u.Host == "" && u.Scheme != "") {
		errs = append(errs, fmt.Errorf("voice_live.endpoint %q is not a valid URL", vl.Endpoint))
	}
	switch {
	case vl.APIKey != "" && vl.ManagedIdentityClientID != "":
		errs = append(errs, errors.New("voice_live.api_key and voice_live.managed_identity_client_id are mutually exclusive"))
	case vl.APIKey == "" && vl.ManagedIdentityClientID == "":
		errs = append(errs, errors.New("voice_live requires api_key or managed_identity_client_id"))
	}
	if t := vl.Voice.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("voice_live.voice.temperature %.2f is out of range [0, 2]", t))
	}
	if td := vl.TurnDetection; td != nil {
		if td.Type == "" {
			errs = append(errs, errors.New("voice_live.turn_detection.type is required"))
		}
		if td.Threshold < 0 || td.Threshold > 1 {
			errs = append(errs, fmt.Errorf("voice_live.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
		}
		if td.PrefixPaddingMs < 0 || td.SilenceDurationMs < 0 {
			errs = append(errs, errors.New("voice_live.turn_detection durations must not be negative"))
		}
	}

	// Ambient
	if cfg.Ambient.Preset != "" && !ambient.Preset(cfg.Ambient.Preset).IsValid() {
		errs = append(errs, fmt.Errorf("ambient.preset %q is invalid; valid values: %v", cfg.Ambient.Preset, ambient.Presets()))
	}
	if cfg.Ambient.Gain < 0 {
		errs = append(errs, fmt.Errorf("ambient.gain %.2f must not be negative", cfg.Ambient.Gain))
	}

	// Storage
	if s3 := cfg.Storage.S3; s3 != nil {
		if s3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required"))
		}
		if (s3.AccessKeyID == "") != (s3.SecretAccessKey == "") {
			errs = append(errs, errors.New("storage.s3 requires both access_key_id and secret_access_key, or neither"))
		}
		if cfg.Storage.PostgresDSN == "" {
			slog.Warn("storage.s3 is configured but storage.postgres_dsn is empty; transcripts will not be persisted")
		}
	}

	// Notifications
	if cfg.Notifications.Enabled {
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("notifications.enabled requires storage.postgres_dsn"))
		}
		if cfg.Storage.S3 == nil {
			slog.Warn("notifications are enabled without storage.s3; transcripts have no location and no SMS will be queued")
		}
	}

	return errors.Join(errs...)
}
