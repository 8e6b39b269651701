// Package soniox implements the primary real-time transcription wire
// protocol: one JSON configuration frame immediately after the websocket
// opens, raw PCM binary frames thereafter, token batches back.
package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voxpipe/voxpipe/pkg/errorsx"
	"github.com/voxpipe/voxpipe/pkg/logging"
	"github.com/voxpipe/voxpipe/pkg/stt"
)

const (
	// DefaultEndpoint is the real-time transcription websocket endpoint.
	DefaultEndpoint = "wss://stt-rt.soniox.com/transcribe-websocket"
	// DefaultModel is used when the connection config names no model.
	DefaultModel = "stt-rt-preview"
)

// Config tunes the provider; zero values use the production endpoint.
type Config struct {
	Endpoint string
	Logger   *slog.Logger
}

// Provider opens websocket streams speaking the protocol above.
type Provider struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Provider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	return &Provider{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "soniox"),
	}
}

func (p *Provider) Name() string { return "soniox" }

// handshakeFrame is the single structured client->server message. The
// service requires it as the very first frame and drops sessions that send
// audio first.
type handshakeFrame struct {
	APIKey              string   `json:"api_key"`
	Model               string   `json:"model"`
	SampleRate          int      `json:"sample_rate"`
	NumChannels         int      `json:"num_channels"`
	AudioFormat         string   `json:"audio_format"`
	LanguageHints       []string `json:"language_hints,omitempty"`
	LanguageHintsStrict bool     `json:"language_hints_strict,omitempty"`
}

// serverFrame is either a token batch or an explicit error.
type serverFrame struct {
	Tokens       []stt.Token `json:"tokens"`
	ErrorMessage string      `json:"error_message"`
}

// Open dials the endpoint and performs the handshake. The configuration
// frame is written before Open returns, so callers cannot race audio ahead
// of it.
func (p *Provider) Open(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if cfg.APIKey == "" {
		return nil, errorsx.Wrap(errors.New("api key is required"), errorsx.ReasonValidation)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.cfg.Endpoint, err)
	}

	hs, err := json.Marshal(handshakeFrame{
		APIKey:              cfg.APIKey,
		Model:               cfg.Model,
		SampleRate:          cfg.SampleRate,
		NumChannels:         cfg.NumChannels,
		AudioFormat:         cfg.AudioEncoding,
		LanguageHints:       cfg.LanguageHints,
		LanguageHintsStrict: cfg.StrictLanguageHints,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hs); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send configuration frame: %w", err)
	}

	s := &stream{
		conn:   conn,
		events: make(chan stt.Event, 64),
		audio:  make(chan []byte, 32),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		logger: p.logger,
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
		_ = conn.Close()
	}()
	return s, nil
}

type stream struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events chan stt.Event
	// audio is never closed; closed signals teardown instead, so a sender
	// parked on a full buffer can never hit a closed channel.
	audio  chan []byte
	closed chan struct{}
	done   chan struct{}

	wg sync.WaitGroup

	closeOnce sync.Once
}

// SendAudio queues one binary PCM frame. The chunk is copied because
// callers recycle their buffers as soon as this returns.
func (s *stream) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	select {
	case <-s.closed:
		return errors.New("stream is closed")
	default:
	}

	copied := append([]byte(nil), pcm...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.closed:
		return errors.New("stream is closed")
	case <-s.done:
		return errors.New("stream is closed")
	}
}

func (s *stream) Events() <-chan stt.Event { return s.events }

// Close cancels hard: queued audio is dropped, both loops are released,
// and blocked senders return an error rather than panicking.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// writeLoop is the sole socket writer after the handshake. Only binary
// audio frames go out; the protocol permits no further structured frames,
// including keepalive pings.
func (s *stream) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.logger.Debug("audio_write_failed", slog.String("error", err.Error()))
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *stream) readLoop() {
	defer s.wg.Done()
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				s.emit(stt.Event{Err: errorsx.Wrap(&stt.TransportError{Err: err}, errorsx.ReasonTransport)})
			}
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.logger.Warn("unparseable_server_frame", slog.Int("bytes", len(payload)))
			continue
		}
		if frame.ErrorMessage != "" {
			// Surfaced verbatim; the service decides whether to close.
			s.emit(stt.Event{Err: errorsx.Wrap(&stt.RemoteProtocolError{Message: frame.ErrorMessage}, errorsx.ReasonRemoteProtocol)})
			continue
		}
		if len(frame.Tokens) == 0 {
			continue
		}
		s.emit(stt.Event{Tokens: frame.Tokens})
	}
}

func (s *stream) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, websocket.ErrCloseSent)
}

var _ stt.Provider = (*Provider)(nil)
