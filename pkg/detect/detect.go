// Package detect implements end-of-utterance detection for dictated
// commands. Two interchangeable strategies share one contract: a
// trigger-phrase detector that matches a spoken phrase at the end of the
// transcript, and a silence detector that tracks signal energy per audio
// chunk. Both are pure logic with no I/O.
package detect

import (
	"time"

	"github.com/voxpipe/voxpipe/pkg/audio"
)

// Mode selects the finalize strategy for a session.
type Mode string

const (
	ModeTrigger Mode = "trigger"
	ModeSilence Mode = "silence"
)

// Result is produced fresh for every processed unit.
type Result struct {
	IsSpeech       bool
	ShouldFinalize bool

	// Command carries the extracted command text when the trigger phrase
	// matched; empty otherwise.
	Command string

	// Level is the chunk level in dBFS for the silence strategy.
	Level float64

	SpeechDuration  time.Duration
	SilenceDuration time.Duration
}

// Strategy is the shared contract. Reset must be idempotent and must not
// perform I/O.
type Strategy interface {
	Reset()
}

// TranscriptStrategy finalizes based on accumulated transcript text.
type TranscriptStrategy interface {
	Strategy
	ProcessTranscript(text string) Result
}

// ChunkStrategy finalizes based on per-chunk signal energy.
type ChunkStrategy interface {
	Strategy
	ProcessChunk(chunk audio.Chunk) Result
}
