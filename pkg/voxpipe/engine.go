package voxpipe

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/creds"
	"github.com/voxpipe/voxpipe/pkg/detect"
	"github.com/voxpipe/voxpipe/pkg/logging"
	"github.com/voxpipe/voxpipe/pkg/metrics"
	"github.com/voxpipe/voxpipe/pkg/redact"
	"github.com/voxpipe/voxpipe/pkg/session"
	"github.com/voxpipe/voxpipe/pkg/stt"
)

// EngineOptions supplies the collaborators that are not configuration:
// the audio source (a real microphone lives outside this module), the
// downstream deliverer, and any state listeners.
type EngineOptions struct {
	Source    audio.CaptureSource
	Deliverer session.Deliverer
	Listeners []session.StateListener
	Registry  *ProviderRegistry
	Logger    *slog.Logger
}

// Engine is one fully wired capture session. The owning application only
// talks to the session manager; the engine adds configuration plumbing,
// observability, and drain-on-shutdown around it.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	observer metrics.Observer
	async    *metrics.AsyncObserver
	sink     *os.File
	detector detect.Strategy
	client   *stt.Client
	manager  *session.Manager
}

func NewEngine(cfg Config, opts EngineOptions) (*Engine, error) {
	if opts.Source == nil {
		return nil, errors.New("audio capture source is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	}

	redact.SetEnabled(cfg.Privacy.RedactPII)

	e := &Engine{cfg: cfg, logger: logger}

	if err := e.buildObserver(); err != nil {
		return nil, err
	}

	detector, err := buildDetector(cfg.Detection)
	if err != nil {
		e.closeObserver()
		return nil, err
	}
	e.detector = detector

	registry := opts.Registry
	if registry == nil {
		registry = NewDefaultRegistry()
	}
	provider, err := registry.Build(cfg.STT.Provider, cfg.STT.Settings, logger)
	if err != nil {
		e.closeObserver()
		return nil, err
	}

	credentials, err := buildCredentials(cfg.Credentials, logger)
	if err != nil {
		e.closeObserver()
		return nil, err
	}

	e.manager = session.NewManager(session.ManagerOptions{
		Deliverer: opts.Deliverer,
		Listeners: opts.Listeners,
		Observer:  e.observer,
		Logger:    logger,
	})

	e.client, err = stt.NewClient(stt.ClientOptions{
		Provider:    provider,
		Source:      opts.Source,
		Credentials: credentials,
		Strategy:    detector,
		Callbacks:   e.manager.Callbacks(),
		Config: stt.Config{
			Model:               cfg.STT.Model,
			SampleRate:          cfg.Audio.SampleRate,
			ChunkSize:           cfg.Audio.ChunkSize,
			LanguageHints:       cfg.STT.LanguageHints,
			StrictLanguageHints: cfg.STT.StrictLanguageHints,
			ConnectTimeout:      time.Duration(cfg.STT.ConnectTimeoutMS) * time.Millisecond,
			ResetSuppression:    time.Duration(cfg.STT.ResetSuppressionMS) * time.Millisecond,
		},
		Observer: e.observer,
		Logger:   logger,
	})
	if err != nil {
		e.closeObserver()
		return nil, err
	}
	e.manager.Bind(e.client)

	logger.Info("engine ready",
		slog.String("provider", provider.Name()),
		slog.String("detection_mode", cfg.Detection.Mode),
		slog.String("model", cfg.STT.Model))
	return e, nil
}

func buildDetector(cfg DetectionConfig) (detect.Strategy, error) {
	switch cfg.Mode {
	case DetectionModeTrigger:
		return detect.NewTriggerPhrase(cfg.TriggerPhrase, cfg.CaseSensitive)
	case DetectionModeSilence:
		return detect.NewSilence(detect.SilenceConfig{
			ThresholdDB: &cfg.ThresholdDB,
			MinSpeech:   time.Duration(cfg.MinSpeechMS) * time.Millisecond,
			MinSilence:  time.Duration(cfg.MinSilenceMS) * time.Millisecond,
		}), nil
	}
	return nil, fmt.Errorf("unknown detection mode %q", cfg.Mode)
}

func buildCredentials(cfg CredentialsConfig, logger *slog.Logger) (stt.CredentialSource, error) {
	if cfg.APIKey != "" {
		return creds.Static(cfg.APIKey), nil
	}
	return creds.NewClient(creds.Config{
		Endpoint: cfg.Endpoint,
		Timeout:  time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}, creds.StaticBearer(cfg.BearerToken), logger)
}

func (e *Engine) buildObserver() error {
	if e.cfg.Observability.MetricsPath == "" {
		e.observer = metrics.NoopObserver{}
		return nil
	}
	f, err := os.OpenFile(e.cfg.Observability.MetricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open metrics sink: %w", err)
	}
	e.sink = f

	var obs metrics.Observer = metrics.NewJSONLObserver(f)
	if rate := e.cfg.Observability.SampleRate; rate > 0 && rate < 1 {
		obs = metrics.NewSamplingObserver(obs, rate)
	}
	e.async = metrics.NewAsyncObserver(obs, e.cfg.Observability.AsyncBuffer)
	e.observer = e.async
	return nil
}

func (e *Engine) closeObserver() {
	if e.async != nil {
		e.async.Close()
	}
	if e.sink != nil {
		_ = e.sink.Close()
	}
}

// Manager returns the session manager, the surface the rest of the
// application drives.
func (e *Engine) Manager() *session.Manager { return e.manager }

// Start begins capturing for the given delivery target.
func (e *Engine) Start(targetID, subTargetID string) session.Context {
	return e.manager.Start(targetID, subTargetID)
}

// Stop ends the active session.
func (e *Engine) Stop() session.Context { return e.manager.Stop() }

// Context snapshots the current session context.
func (e *Engine) Context() session.Context { return e.manager.Context() }

// ClearTranscript discards the live transcript.
func (e *Engine) ClearTranscript() { e.manager.ClearTranscript() }

// UpdateSilenceThreshold adjusts the energy threshold mid-session. It only
// applies in silence mode; other detection settings require a restart.
func (e *Engine) UpdateSilenceThreshold(db float64) error {
	silence, ok := e.detector.(*detect.Silence)
	if !ok {
		return fmt.Errorf("silence threshold is not adjustable in %s mode", e.cfg.Detection.Mode)
	}
	silence.UpdateThreshold(db)
	e.logger.Info("silence threshold updated", slog.Float64("threshold_db", db))
	return nil
}

// ApplyConfig absorbs a hot-reloaded configuration. Only the silence
// threshold is safe to change while a session may be live.
func (e *Engine) ApplyConfig(cfg Config) {
	if cfg.Detection.Mode == DetectionModeSilence {
		_ = e.UpdateSilenceThreshold(cfg.Detection.ThresholdDB)
	}
}

// Drain implements runner.Drainer: it stops any active session and flushes
// buffered metrics before the process exits.
func (e *Engine) Drain() error {
	e.manager.Stop()
	e.closeObserver()
	return nil
}
