package relay

// SessionConfig is the session.update payload sent once per connection. It
// is never changed after the connection is established.
type SessionConfig struct {
	Instructions     string         `json:"instructions,omitempty"`
	TurnDetection    *TurnDetection `json:"turn_detection,omitempty"`
	NoiseReduction   *TypedOption   `json:"input_audio_noise_reduction,omitempty"`
	EchoCancellation *TypedOption   `json:"input_audio_echo_cancellation,omitempty"`
	Voice            *Voice         `json:"voice,omitempty"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string          `json:"type"`
	Threshold         float64         `json:"threshold"`
	PrefixPaddingMs   int             `json:"prefix_padding_ms"`
	SilenceDurationMs int             `json:"silence_duration_ms"`
	RemoveFillerWords bool            `json:"remove_filler_words"`
	EndOfUtterance    *EndOfUtterance `json:"end_of_utterance_detection,omitempty"`
}

// EndOfUtterance configures semantic end-of-turn detection.
type EndOfUtterance struct {
	Model     string  `json:"model"`
	Threshold float64 `json:"threshold"`
	Timeout   float64 `json:"timeout"`
}

// TypedOption is a feature toggle identified only by its type name.
type TypedOption struct {
	Type string `json:"type"`
}

// Voice selects the synthesis voice.
type Voice struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Temperature float64 `json:"temperature"`
}

// Session defaults.
const (
	DefaultInstructions = "You are a helpful AI assistant responding in natural, engaging language."
	DefaultVoiceName    = "en-US-Alloy:DragonHDLatestNeural"
	DefaultVoiceType    = "azure-standard"
)

// DefaultSessionConfig returns the session used when nothing is configured:
// semantic VAD with deep noise suppression, server echo cancellation and an
// HD neural voice.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Instructions: DefaultInstructions,
		TurnDetection: &TurnDetection{
			Type:              "azure_semantic_vad",
			Threshold:         0.3,
			PrefixPaddingMs:   200,
			SilenceDurationMs: 200,
			EndOfUtterance: &EndOfUtterance{
				Model:     "semantic_detection_v1",
				Threshold: 0.01,
				Timeout:   2,
			},
		},
		NoiseReduction:   &TypedOption{Type: "azure_deep_noise_suppression"},
		EchoCancellation: &TypedOption{Type: "server_echo_cancellation"},
		Voice: &Voice{
			Name:        DefaultVoiceName,
			Type:        DefaultVoiceType,
			Temperature: 0.8,
		},
	}
}
