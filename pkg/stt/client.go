package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/detect"
	"github.com/voxpipe/voxpipe/pkg/errorsx"
	"github.com/voxpipe/voxpipe/pkg/logging"
	"github.com/voxpipe/voxpipe/pkg/metrics"
	"github.com/voxpipe/voxpipe/pkg/redact"
)

// Config is the client-side connection configuration. It may only change
// while disconnected; a connection snapshots it at connect time.
type Config struct {
	Model               string
	SampleRate          int
	NumChannels         int
	AudioEncoding       string
	LanguageHints       []string
	StrictLanguageHints bool

	// ChunkSize is the capture buffer size in samples.
	ChunkSize int
	// ConnectTimeout bounds how long the transport may take to open.
	ConnectTimeout time.Duration
	// ResetSuppression discards final tokens arriving within this window
	// after a manual transcript clear; the remote service may still flush
	// tokens spoken just before the clear.
	ResetSuppression time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.NumChannels <= 0 {
		c.NumChannels = 1
	}
	if c.AudioEncoding == "" {
		c.AudioEncoding = "pcm_s16le"
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1600
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ResetSuppression <= 0 {
		c.ResetSuppression = 500 * time.Millisecond
	}
	return c
}

// ClientOptions wires the client's collaborators.
type ClientOptions struct {
	Provider    Provider
	Source      audio.CaptureSource
	Credentials CredentialSource
	Strategy    detect.Strategy
	Callbacks   Callbacks
	Config      Config
	Observer    metrics.Observer
	Logger      *slog.Logger
}

// Client owns one remote connection and the local audio pump for its
// lifetime. All lifecycle methods are safe for concurrent use; callbacks
// fire from the connection's goroutines.
type Client struct {
	provider Provider
	source   audio.CaptureSource
	creds    CredentialSource
	strategy detect.Strategy
	cb       Callbacks
	obs      metrics.Observer
	logger   *slog.Logger

	mu         sync.Mutex
	cfg        Config
	conn       *connection
	connecting bool
}

// NewClient validates the wiring and returns a disconnected client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Provider == nil {
		return nil, errorsx.Wrap(errors.New("provider is required"), errorsx.ReasonValidation)
	}
	if opts.Source == nil {
		return nil, errorsx.Wrap(errors.New("capture source is required"), errorsx.ReasonValidation)
	}
	if opts.Credentials == nil {
		return nil, errorsx.Wrap(errors.New("credential source is required"), errorsx.ReasonValidation)
	}
	if opts.Strategy == nil {
		return nil, errorsx.Wrap(errors.New("detection strategy is required"), errorsx.ReasonValidation)
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Client{
		provider: opts.Provider,
		source:   opts.Source,
		creds:    opts.Credentials,
		strategy: opts.Strategy,
		cb:       opts.Callbacks,
		obs:      opts.Observer,
		logger:   logging.NewComponentLogger(opts.Logger, "stt_client"),
		cfg:      opts.Config.withDefaults(),
	}, nil
}

// connection bundles the resources of one connect() call. The capture
// session and the stream are exclusively owned until stop.
type connection struct {
	id      string
	cfg     Config
	stream  Stream
	capture audio.CaptureSession
	cancel  context.CancelFunc

	pumpDone  chan struct{}
	readDone  chan struct{}
	stateDone chan struct{}

	stopOnce   sync.Once
	notifyOnce sync.Once

	tmu       sync.Mutex
	finals    string
	lastReset time.Time
}

func (conn *connection) stop() {
	conn.stopOnce.Do(func() {
		conn.cancel()
		_ = conn.capture.Stop()
		_ = conn.stream.Close()
	})
}

// Connect fetches a fresh credential, opens the transport, and starts the
// audio pump. The provider sends its configuration frame before Open
// returns, so no audio can precede it. Calling Connect while connected is
// caller misuse and fails synchronously.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return &InvalidStateError{Op: "connect", Reason: "already connected"}
	}
	c.connecting = true
	cfg := c.cfg
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	apiKey, err := c.creds.APIKey(ctx)
	if err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	stream, err := c.provider.Open(dialCtx, StreamConfig{
		APIKey:              apiKey,
		Model:               cfg.Model,
		SampleRate:          cfg.SampleRate,
		NumChannels:         cfg.NumChannels,
		AudioEncoding:       cfg.AudioEncoding,
		LanguageHints:       cfg.LanguageHints,
		StrictLanguageHints: cfg.StrictLanguageHints,
	})
	// Captured before dialCancel, which would turn the deadline into a
	// plain cancellation. Dial failures rarely wrap the context error (a
	// websocket dial surfaces a net i/o timeout instead), so the deadline
	// is checked on the context itself.
	timedOut := dialCtx.Err() == context.DeadlineExceeded
	dialCancel()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			return errorsx.Wrap(&ConnectionTimeoutError{Timeout: cfg.ConnectTimeout}, errorsx.ReasonConnectTimeout)
		}
		return errorsx.Wrap(&TransportError{Err: err}, errorsx.ReasonTransport)
	}

	capture, err := c.source.Start(sessCtx, audio.CaptureConfig{
		SampleRate: cfg.SampleRate,
		ChunkSize:  cfg.ChunkSize,
	})
	if err != nil {
		cancel()
		_ = stream.Close()
		return errorsx.Wrap(&TransportError{Err: err}, errorsx.ReasonCaptureStart)
	}

	conn := &connection{
		id:        uuid.NewString(),
		cfg:       cfg,
		stream:    stream,
		capture:   capture,
		cancel:    cancel,
		pumpDone:  make(chan struct{}),
		readDone:  make(chan struct{}),
		stateDone: make(chan struct{}),
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// The caller may have aborted between Open and here; honor it rather
	// than completing into a live session.
	if ctx.Err() != nil {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.stop()
		return ctx.Err()
	}

	go c.pumpLoop(conn)
	go c.readLoop(conn)
	go c.captureStateLoop(conn)

	c.logger.Info("connected",
		slog.String("stream_id", conn.id),
		slog.String("provider", c.provider.Name()),
		slog.String("model", cfg.Model))
	c.obs.RecordEvent(metrics.Event{
		Name: "stt.connected", Time: time.Now(),
		Tags: map[string]string{"stream_id": conn.id, "provider": c.provider.Name()},
	})
	if c.cb.OnConnectionChange != nil {
		c.cb.OnConnectionChange(true)
	}
	return nil
}

// Disconnect is a hard cancellation: it synchronously stops the capture
// source, closes the transport, and waits for the connection goroutines so
// no callback other than the single disconnect confirmation can fire after
// it returns. It is idempotent, and a fresh Connect is valid immediately
// after.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.stop()
	<-conn.pumpDone
	<-conn.readDone
	<-conn.stateDone
	c.notifyDisconnected(conn)
	return nil
}

// Connected reports whether a connection is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// UpdateConfig replaces the connection configuration. It fails while
// connected; a connection's configuration is immutable.
func (c *Client) UpdateConfig(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil || c.connecting {
		return &InvalidStateError{Op: "update_config", Reason: "configuration is immutable while connected"}
	}
	c.cfg = cfg.withDefaults()
	return nil
}

// Strategy returns the detection strategy this client owns.
func (c *Client) Strategy() detect.Strategy { return c.strategy }

// Transcript returns the committed final transcript of the current
// utterance.
func (c *Client) Transcript() string {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ""
	}
	conn.tmu.Lock()
	defer conn.tmu.Unlock()
	return conn.finals
}

// ResetTranscript clears the committed transcript on user request and arms
// the suppression window so buffered tokens from before the clear cannot
// reappear.
func (c *Client) ResetTranscript() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	conn.tmu.Lock()
	conn.finals = ""
	conn.lastReset = time.Now()
	conn.tmu.Unlock()
	c.logger.Debug("transcript_reset", slog.String("stream_id", conn.id))
}

func (c *Client) pumpLoop(conn *connection) {
	defer close(conn.pumpDone)
	chunkStrategy, _ := c.strategy.(detect.ChunkStrategy)
	for chunk := range conn.capture.Chunks() {
		var level float64
		finalizeNow := false
		if chunkStrategy != nil {
			res := chunkStrategy.ProcessChunk(chunk)
			level = res.Level
			finalizeNow = res.ShouldFinalize
		} else {
			level = chunk.Level()
		}
		if c.cb.OnAudioLevel != nil {
			c.cb.OnAudioLevel(level)
		}
		c.obs.RecordEvent(metrics.Event{
			Name: "stt.audio_level", Time: time.Now(), Value: level,
			Tags: map[string]string{"stream_id": conn.id},
		})

		pcm := audio.EncodePCM16(chunk.Samples)
		err := conn.stream.SendAudio(pcm)
		audio.ReleasePCMBuf(pcm)
		if err != nil {
			// Transport not open: drop the chunk rather than queue stale
			// audio for a later connection.
			c.logger.Debug("audio_chunk_dropped", slog.String("stream_id", conn.id))
		}

		if finalizeNow {
			c.finalize(conn, "", false)
		}
	}
}

func (c *Client) readLoop(conn *connection) {
	defer close(conn.readDone)
	transcriptStrategy, _ := c.strategy.(detect.TranscriptStrategy)
	for ev := range conn.stream.Events() {
		if ev.Err != nil {
			c.logger.Warn("stream_error",
				slog.String("stream_id", conn.id),
				slog.String("error", ev.Err.Error()))
			if c.cb.OnError != nil {
				c.cb.OnError(ev.Err)
			}
			continue
		}
		if len(ev.Tokens) == 0 {
			continue
		}

		now := time.Now()
		var interim strings.Builder
		hasNewFinal := false
		conn.tmu.Lock()
		for _, tok := range ev.Tokens {
			if !tok.IsFinal {
				interim.WriteString(tok.Text)
				continue
			}
			if now.Sub(conn.lastReset) < conn.cfg.ResetSuppression {
				continue
			}
			conn.finals += tok.Text
			hasNewFinal = true
		}
		finals := conn.finals
		conn.tmu.Unlock()

		display := finals + interim.String()
		c.logger.Debug("transcript_updated",
			slog.String("stream_id", conn.id),
			slog.String("transcript", redact.Text(display)),
			slog.Bool("has_new_final", hasNewFinal))
		if c.cb.OnTranscript != nil {
			c.cb.OnTranscript(display, hasNewFinal)
		}

		if transcriptStrategy != nil {
			res := transcriptStrategy.ProcessTranscript(finals)
			if res.ShouldFinalize {
				c.finalize(conn, res.Command, true)
			}
		}
	}
	// Remote closed the stream. Release this connection's resources if it
	// is still the current one, then report disconnected.
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.stop()
	<-conn.pumpDone
	c.notifyDisconnected(conn)
}

func (c *Client) captureStateLoop(conn *connection) {
	defer close(conn.stateDone)
	for suspended := range conn.capture.States() {
		c.logger.Info("capture_state_changed",
			slog.String("stream_id", conn.id),
			slog.Bool("suspended", suspended))
		if c.cb.OnCaptureStateChange != nil {
			c.cb.OnCaptureStateChange(suspended)
		}
	}
}

// finalize hands one finished utterance to the owner and clears the buffer
// so listening continues hands-free on the same connection.
func (c *Client) finalize(conn *connection, command string, haveCommand bool) {
	conn.tmu.Lock()
	if !haveCommand {
		command = strings.TrimSpace(conn.finals)
	}
	conn.finals = ""
	conn.tmu.Unlock()
	c.strategy.Reset()

	c.logger.Info("utterance_finalized",
		slog.String("stream_id", conn.id),
		slog.Int("command_len", len(command)))
	c.obs.RecordEvent(metrics.Event{
		Name: "stt.finalized", Time: time.Now(), Value: float64(len(command)),
		Tags: map[string]string{"stream_id": conn.id},
	})
	if c.cb.OnFinalize != nil {
		c.cb.OnFinalize(command)
	}
}

func (c *Client) notifyDisconnected(conn *connection) {
	conn.notifyOnce.Do(func() {
		c.logger.Info("disconnected", slog.String("stream_id", conn.id))
		c.obs.RecordEvent(metrics.Event{
			Name: "stt.disconnected", Time: time.Now(),
			Tags: map[string]string{"stream_id": conn.id},
		})
		if c.cb.OnConnectionChange != nil {
			c.cb.OnConnectionChange(false)
		}
	})
}
