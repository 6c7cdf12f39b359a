package config

import "reflect"

// ConfigDiff describes what changed between two configs. Session and ambient
// changes apply to calls started after the reload; everything listed in
// RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is set when instructions, voice, turn detection or the
	// telephony response mode changed.
	SessionChanged bool

	// AmbientChanged is set when the ambient preset, asset dir or gain
	// changed.
	AmbientChanged bool

	// RestartRequired names the sections that changed but cannot be
	// hot-reloaded.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.AmbientChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ov, nv := old.VoiceLive, new.VoiceLive
	if ov.Instructions != nv.Instructions ||
		ov.Voice != nv.Voice ||
		ov.TwilioResponses != nv.TwilioResponses ||
		!reflect.DeepEqual(ov.TurnDetection, nv.TurnDetection) {
		d.SessionChanged = true
	}

	if old.Ambient != new.Ambient {
		d.AmbientChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		old.Server.ShutdownTimeout != new.Server.ShutdownTimeout {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if ov.Endpoint != nv.Endpoint || ov.Model != nv.Model || ov.APIVersion != nv.APIVersion ||
		ov.APIKey != nv.APIKey || ov.ManagedIdentityClientID != nv.ManagedIdentityClientID {
		d.RestartRequired = append(d.RestartRequired, "voice_live")
	}
	if !reflect.DeepEqual(old.Storage, new.Storage) {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Notifications != new.Notifications {
		d.RestartRequired = append(d.RestartRequired, "notifications")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
