// Package mock provides a scripted transcription provider for tests and
// local demos. It emits a configured sequence of token batches once audio
// starts flowing, without any network I/O.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxpipe/voxpipe/pkg/stt"
)

// Config scripts one stream. Batches are emitted in order on the first
// audio frame; each SendAudio after the script is exhausted is a no-op.
type Config struct {
	// Batches are token groups delivered as separate events.
	Batches [][]stt.Token
	// Transcript is a shorthand for a single final-token batch, used when
	// Batches is empty.
	Transcript string
	// BatchesPerSend limits how many scripted batches each audio frame
	// releases. Zero means the whole script on the first frame.
	BatchesPerSend int
	// FailOpen makes Open return a transport error.
	FailOpen bool
}

type Provider struct {
	cfg Config

	mu      sync.Mutex
	streams []*Stream
}

func New(cfg Config) *Provider {
	// A nil script gets a default transcript; an explicitly empty one
	// stays silent so tests can inject events themselves.
	if cfg.Batches == nil {
		transcript := cfg.Transcript
		if transcript == "" {
			transcript = "mock transcript "
		}
		cfg.Batches = [][]stt.Token{{{Text: transcript, IsFinal: true}}}
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) Open(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if p.cfg.FailOpen {
		return nil, &stt.TransportError{Err: errors.New("mock: open refused")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Stream{
		cfg:    p.cfg,
		script: p.cfg.Batches,
		events: make(chan stt.Event, 16),
	}
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

// Streams returns every stream opened so far, for test assertions.
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, len(p.streams))
	copy(out, p.streams)
	return out
}

type Stream struct {
	cfg    Config
	events chan stt.Event

	mu         sync.Mutex
	script     [][]stt.Token
	closed     bool
	audioBytes int
}

func (s *Stream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: stream closed")
	}
	s.audioBytes += len(pcm)

	release := len(s.script)
	if s.cfg.BatchesPerSend > 0 && release > s.cfg.BatchesPerSend {
		release = s.cfg.BatchesPerSend
	}
	for _, batch := range s.script[:release] {
		s.events <- stt.Event{Tokens: batch}
	}
	s.script = s.script[release:]
	return nil
}

func (s *Stream) Events() <-chan stt.Event { return s.events }

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Inject delivers an arbitrary event, letting tests simulate server error
// frames or extra token batches mid-stream.
func (s *Stream) Inject(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// AudioBytes reports how much PCM the stream has received.
func (s *Stream) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioBytes
}

var _ stt.Provider = (*Provider)(nil)
var _ stt.Stream = (*Stream)(nil)
