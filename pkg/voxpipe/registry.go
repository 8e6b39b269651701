package voxpipe

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxpipe/voxpipe/pkg/configutil"
	"github.com/voxpipe/voxpipe/pkg/providers/deepgram"
	"github.com/voxpipe/voxpipe/pkg/providers/mock"
	"github.com/voxpipe/voxpipe/pkg/providers/soniox"
	"github.com/voxpipe/voxpipe/pkg/stt"
)

// ProviderFactory constructs a transcription provider from the opaque
// settings block of the configuration.
type ProviderFactory func(settings map[string]any, logger *slog.Logger) (stt.Provider, error)

// ProviderRegistry maps provider names to factories. The default registry
// knows the built-in providers; applications may register their own.
type ProviderRegistry struct {
	factories map[string]ProviderFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{factories: make(map[string]ProviderFactory)}
}

// NewDefaultRegistry returns a registry with the built-in providers.
func NewDefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.Register("soniox", buildSoniox)
	r.Register("deepgram", buildDeepgram)
	r.Register("mock", buildMock)
	return r
}

func (r *ProviderRegistry) Register(name string, factory ProviderFactory) {
	r.factories[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) Build(name string, settings map[string]any, logger *slog.Logger) (stt.Provider, error) {
	factory := r.factories[strings.ToLower(strings.TrimSpace(name))]
	if factory == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", name)
	}
	return factory(settings, logger)
}

func buildSoniox(settings map[string]any, logger *slog.Logger) (stt.Provider, error) {
	var s struct {
		Endpoint string `mapstructure:"endpoint"`
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("soniox settings: %w", err)
	}
	return soniox.New(soniox.Config{Endpoint: s.Endpoint, Logger: logger}), nil
}

func buildDeepgram(settings map[string]any, logger *slog.Logger) (stt.Provider, error) {
	var s struct {
		Language       string `mapstructure:"language"`
		UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
		SmartFormat    *bool  `mapstructure:"smart_format"`
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("deepgram settings: %w", err)
	}
	return deepgram.New(deepgram.Config{
		Language:       s.Language,
		UtteranceEndMS: configutil.IntValue(s.UtteranceEndMS, 1000),
		SmartFormat:    configutil.BoolValue(s.SmartFormat, true),
		Logger:         logger,
	}), nil
}

func buildMock(settings map[string]any, logger *slog.Logger) (stt.Provider, error) {
	var s struct {
		Transcript string `mapstructure:"transcript"`
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("mock settings: %w", err)
	}
	return mock.New(mock.Config{Transcript: s.Transcript}), nil
}
