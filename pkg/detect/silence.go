package detect

import (
	"sync"
	"time"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/configutil"
)

// DefaultThresholdDB is the energy threshold used when none is configured.
const DefaultThresholdDB = -40.0

// SilenceConfig tunes the energy-based end-of-utterance detector.
type SilenceConfig struct {
	// ThresholdDB classifies a chunk as speech when its level exceeds it.
	// nil uses DefaultThresholdDB; 0 dB is a valid explicit threshold.
	ThresholdDB *float64
	// MinSpeech is the continuous speech needed before trailing silence
	// may finalize; it guards against spurious blips.
	MinSpeech time.Duration
	// MinSilence is the trailing silence that finalizes the utterance.
	MinSilence time.Duration
}

// Silence tracks speech/silence run lengths across chunks and finalizes
// once valid speech is followed by enough silence. Durations are derived
// from sample counts, not wall clock, so behavior is deterministic for a
// given chunk sequence.
type Silence struct {
	mu sync.Mutex

	thresholdDB float64
	minSpeech   time.Duration
	minSilence  time.Duration

	speaking       bool
	speechDur      time.Duration
	silenceDur     time.Duration
	hasValidSpeech bool
}

func NewSilence(cfg SilenceConfig) *Silence {
	d := &Silence{
		thresholdDB: configutil.Float64Value(cfg.ThresholdDB, DefaultThresholdDB),
		minSpeech:   cfg.MinSpeech,
		minSilence:  cfg.MinSilence,
	}
	if d.minSpeech <= 0 {
		d.minSpeech = 300 * time.Millisecond
	}
	if d.minSilence <= 0 {
		d.minSilence = 1500 * time.Millisecond
	}
	return d
}

// UpdateThreshold swaps the energy threshold mid-session. Noise-adaptive
// UIs call this live; other knobs stay fixed for the session.
func (d *Silence) UpdateThreshold(db float64) {
	d.mu.Lock()
	d.thresholdDB = db
	d.mu.Unlock()
}

// Threshold returns the current energy threshold in dB.
func (d *Silence) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thresholdDB
}

// ProcessChunk classifies one chunk and advances the run-length state.
func (d *Silence) ProcessChunk(chunk audio.Chunk) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	level := chunk.Level()
	isSpeech := level > d.thresholdDB
	dur := chunk.Duration()

	if isSpeech {
		if !d.speaking {
			d.speaking = true
			d.speechDur = 0
		}
		d.speechDur += dur
		d.silenceDur = 0
		if d.speechDur >= d.minSpeech {
			d.hasValidSpeech = true
		}
	} else {
		if d.speaking {
			d.speaking = false
			d.silenceDur = 0
		}
		d.silenceDur += dur
	}

	return Result{
		IsSpeech:        isSpeech,
		ShouldFinalize:  d.hasValidSpeech && !isSpeech && d.silenceDur >= d.minSilence,
		Level:           level,
		SpeechDuration:  d.speechDur,
		SilenceDuration: d.silenceDur,
	}
}

// Reset zeroes all timers and flags but preserves configuration.
func (d *Silence) Reset() {
	d.mu.Lock()
	d.speaking = false
	d.speechDur = 0
	d.silenceDur = 0
	d.hasValidSpeech = false
	d.mu.Unlock()
}

var _ ChunkStrategy = (*Silence)(nil)
