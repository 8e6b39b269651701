// Package stt contains the streaming transcription client and the
// provider contract it drives. The client owns one remote connection and
// the local audio pump for its lifetime, translates provider events into
// owner callbacks, and delegates end-of-utterance decisions to a detection
// strategy.
package stt

import "context"

// Token is one transcription unit from the remote service. Final tokens
// will not be revised further; interim tokens are provisional.
type Token struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	StartMs    int     `json:"start_ms,omitempty"`
	DurationMs int     `json:"duration_ms,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// StreamConfig is immutable for the lifetime of one connection. A new one
// is built from a freshly fetched credential for every connect attempt.
type StreamConfig struct {
	APIKey              string
	Model               string
	SampleRate          int
	NumChannels         int
	AudioEncoding       string
	LanguageHints       []string
	StrictLanguageHints bool
}

// Event is one message from the provider: a token batch, or an error. A
// server-sent error frame arrives as a RemoteProtocolError without the
// stream closing; a dead transport arrives as a TransportError followed by
// channel close.
type Event struct {
	Tokens []Token
	Err    error
}

// Stream is an open provider connection. SendAudio forwards one binary PCM
// frame; Events delivers batches in arrival order and is closed when the
// connection ends; Close is idempotent.
type Stream interface {
	SendAudio(pcm []byte) error
	Events() <-chan Event
	Close() error
}

// Provider opens streams against one remote transcription service. Open
// returns only after the connection handshake is complete, including any
// configuration frame the wire protocol requires before audio.
type Provider interface {
	Name() string
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// CredentialSource supplies the short-lived API key used for one
// connection attempt.
type CredentialSource interface {
	APIKey(ctx context.Context) (string, error)
}

// Callbacks is the boundary the owner consumes. Nil fields are skipped.
// Callbacks for one session fire from that session's goroutines; the owner
// is expected to funnel them through its own serialized dispatch.
type Callbacks struct {
	// OnTranscript receives the display transcript (committed finals plus
	// trailing interims) and whether this update added final content.
	OnTranscript func(text string, hasNewFinal bool)
	// OnFinalize receives the command text once the detection strategy
	// reports end of utterance.
	OnFinalize func(command string)
	// OnConnectionChange reports connected (true) exactly once per
	// successful connect and disconnected (false) exactly once per
	// connection teardown.
	OnConnectionChange func(connected bool)
	// OnError receives asynchronous connection and protocol errors.
	OnError func(err error)
	// OnAudioLevel receives the level of each captured chunk in dBFS.
	OnAudioLevel func(db float64)
	// OnCaptureStateChange reports capture suspension and resumption.
	OnCaptureStateChange func(suspended bool)
}
