// Package deepgram adapts the Deepgram live-transcription SDK to the
// stt.Provider contract. Unlike the default wire protocol it tokenizes per
// result rather than per word, so a batch carries a single token holding
// the whole alternative.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/voxpipe/voxpipe/pkg/errorsx"
	"github.com/voxpipe/voxpipe/pkg/logging"
	"github.com/voxpipe/voxpipe/pkg/stt"
)

// Config holds provider-level settings that are not per-connection.
type Config struct {
	// Language overrides the language hint passed per stream. When empty
	// the first entry of StreamConfig.LanguageHints is used.
	Language string
	// UtteranceEndMS enables Deepgram's native utterance boundary events
	// when positive. The client's own detection strategy still decides
	// finalization; this only improves is_final latency.
	UtteranceEndMS int
	// SmartFormat toggles server-side punctuation and number formatting.
	SmartFormat bool
	Logger      *slog.Logger
}

type Provider struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Provider {
	return &Provider{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "deepgram"),
	}
}

func (p *Provider) Name() string { return "deepgram" }

func (p *Provider) Open(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if cfg.APIKey == "" {
		return nil, errorsx.Wrap(fmt.Errorf("deepgram: api key is required"), errorsx.ReasonValidation)
	}

	language := p.cfg.Language
	if language == "" && len(cfg.LanguageHints) > 0 {
		language = cfg.LanguageHints[0]
	}

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       language,
		Encoding:       encodingFor(cfg.AudioEncoding),
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.NumChannels,
		InterimResults: true,
		SmartFormat:    p.cfg.SmartFormat,
	}
	if p.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", p.cfg.UtteranceEndMS)
	}

	s := &stream{
		events: make(chan stt.Event, 64),
		logger: p.logger,
	}
	s.pipeReader, s.pipeWriter = io.Pipe()

	dgClient, err := client.NewWSUsingCallback(ctx, cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		return nil, errorsx.Wrap(&stt.TransportError{Err: err}, errorsx.ReasonTransport)
	}
	s.dgClient = dgClient

	if connected := dgClient.Connect(); !connected {
		return nil, errorsx.Wrap(&stt.TransportError{Err: fmt.Errorf("deepgram: connect failed")}, errorsx.ReasonTransport)
	}

	p.logger.Info("connected",
		slog.String("model", cfg.Model),
		slog.String("language", language),
		slog.Int("sample_rate", cfg.SampleRate))

	go func() {
		if err := dgClient.Stream(s.pipeReader); err != nil {
			s.emit(stt.Event{Err: errorsx.Wrap(&stt.TransportError{Err: err}, errorsx.ReasonTransport)})
		}
		s.finish()
	}()

	return s, nil
}

// encodingFor maps the client's audio encoding names onto Deepgram's.
func encodingFor(encoding string) string {
	if encoding == "pcm_s16le" || encoding == "" {
		return "linear16"
	}
	return encoding
}

type stream struct {
	dgClient   *client.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	events chan stt.Event

	closeOnce sync.Once
}

func (s *stream) SendAudio(pcm []byte) error {
	if _, err := s.pipeWriter.Write(pcm); err != nil {
		return errorsx.Wrap(&stt.TransportError{Err: err}, errorsx.ReasonTransport)
	}
	return nil
}

func (s *stream) Events() <-chan stt.Event { return s.events }

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.pipeWriter.Close()
		s.dgClient.Stop()
		s.finish()
	})
	return nil
}

// emit delivers an event unless the stream is already finished. A full
// buffer drops the event rather than blocking the SDK's callback goroutine.
func (s *stream) emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event buffer full, dropping", slog.Int("tokens", len(ev.Tokens)))
	}
}

func (s *stream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

type callback struct {
	parent     *stream
	metaLogged bool
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("stream opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}

	isFinal := mr.IsFinal || mr.SpeechFinal
	text := alt.Transcript
	if isFinal {
		// Finals are concatenated verbatim downstream; keep a word
		// boundary between consecutive results.
		text += " "
	}

	c.parent.emit(stt.Event{Tokens: []stt.Token{{
		Text:       text,
		IsFinal:    isFinal,
		StartMs:    int(mr.Start * 1000),
		DurationMs: int(mr.Duration * 1000),
		Confidence: alt.Confidence,
	}}})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.metaLogged {
		c.metaLogged = true
		c.parent.logger.Debug("metadata received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance end event")
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Debug("stream closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.emit(stt.Event{Err: errorsx.Wrap(
		&stt.RemoteProtocolError{Message: fmt.Sprintf("%s: %s", er.ErrCode, er.ErrMsg)},
		errorsx.ReasonRemoteProtocol)})
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("unhandled event", slog.String("data", string(byData)))
	return nil
}

var _ stt.Provider = (*Provider)(nil)
var _ stt.Stream = (*stream)(nil)
