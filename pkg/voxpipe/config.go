// Package voxpipe assembles a complete capture engine from configuration:
// detection strategy, transcription provider, credential source, the
// streaming client, and the session manager that fronts them all.
package voxpipe

import (
	"fmt"
	"os"
	"reflect"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/voxpipe/voxpipe/pkg/configutil"
)

type Config struct {
	Environment    string              `mapstructure:"environment"`
	LogLevel       string              `mapstructure:"log_level"`
	LogFormat      string              `mapstructure:"log_format"`
	Detection      DetectionConfig     `mapstructure:"detection"`
	Audio          AudioConfig         `mapstructure:"audio"`
	STT            STTConfig           `mapstructure:"stt"`
	Credentials    CredentialsConfig   `mapstructure:"credentials"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
	Privacy        PrivacyConfig       `mapstructure:"privacy"`
	DrainTimeoutMS int                 `mapstructure:"drain_timeout_ms"`
}

// DetectionConfig selects and tunes the end-of-utterance strategy.
type DetectionConfig struct {
	Mode          string  `mapstructure:"mode"`
	TriggerPhrase string  `mapstructure:"trigger_phrase"`
	CaseSensitive bool    `mapstructure:"case_sensitive"`
	ThresholdDB   float64 `mapstructure:"threshold_db"`
	MinSpeechMS   int     `mapstructure:"min_speech_ms"`
	MinSilenceMS  int     `mapstructure:"min_silence_ms"`
}

type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	ChunkSize  int `mapstructure:"chunk_size"`
}

// STTConfig names the provider and carries its provider-specific settings
// opaque to this package; each registered factory decodes what it needs.
type STTConfig struct {
	Provider            string         `mapstructure:"provider"`
	Model               string         `mapstructure:"model"`
	LanguageHints       []string       `mapstructure:"language_hints"`
	StrictLanguageHints bool           `mapstructure:"language_hints_strict"`
	ConnectTimeoutMS    int            `mapstructure:"connect_timeout_ms"`
	ResetSuppressionMS  int            `mapstructure:"reset_suppression_ms"`
	Settings            map[string]any `mapstructure:"settings"`
}

// CredentialsConfig points the client at the hosting application's token
// endpoint, or supplies a long-lived key directly for local use.
type CredentialsConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	BearerToken string `mapstructure:"bearer_token"`
	APIKey      string `mapstructure:"api_key"`
	TimeoutMS   int    `mapstructure:"timeout_ms"`
}

type ObservabilityConfig struct {
	MetricsPath string  `mapstructure:"metrics_path"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	AsyncBuffer int     `mapstructure:"async_buffer"`
}

type PrivacyConfig struct {
	// RedactPII scrubs emails and phone numbers from transcript log lines.
	RedactPII bool `mapstructure:"redact_pii"`
}

const (
	DetectionModeTrigger = "trigger"
	DetectionModeSilence = "silence"
)

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)
	cfg.STT.Settings = expandSettings(cfg.STT.Settings)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// WatchConfig re-loads the file on change and hands the result to onChange.
// Invalid edits are skipped so a half-saved file cannot take down a live
// session.
func WatchConfig(path string, onChange func(Config)) error {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := LoadConfig(path)
		if err != nil {
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("detection.mode", DetectionModeTrigger)
	v.SetDefault("detection.trigger_phrase", "thank you")
	v.SetDefault("detection.case_sensitive", false)
	v.SetDefault("detection.threshold_db", -40.0)
	v.SetDefault("detection.min_speech_ms", 300)
	v.SetDefault("detection.min_silence_ms", 1500)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.chunk_size", 1600)
	v.SetDefault("stt.provider", "soniox")
	v.SetDefault("stt.model", "stt-rt-preview")
	v.SetDefault("stt.language_hints", []string{"en"})
	v.SetDefault("stt.language_hints_strict", false)
	v.SetDefault("stt.connect_timeout_ms", 10000)
	v.SetDefault("stt.reset_suppression_ms", 500)
	v.SetDefault("credentials.timeout_ms", 5000)
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.async_buffer", 256)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("drain_timeout_ms", 10000)
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.STT.Provider, "stt.provider"); err != nil {
		return err
	}
	switch c.Detection.Mode {
	case DetectionModeTrigger, DetectionModeSilence:
	default:
		return fmt.Errorf("detection.mode must be %q or %q, got %q",
			DetectionModeTrigger, DetectionModeSilence, c.Detection.Mode)
	}
	if c.Detection.Mode == DetectionModeTrigger {
		if err := configutil.RequireString(c.Detection.TriggerPhrase, "detection.trigger_phrase"); err != nil {
			return err
		}
	}
	if c.Credentials.Endpoint == "" && c.Credentials.APIKey == "" {
		return fmt.Errorf("credentials.endpoint or credentials.api_key is required")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
