package detect

import (
	"testing"
	"time"

	"github.com/voxpipe/voxpipe/pkg/audio"
)

// chunkOf builds a constant-amplitude 100ms chunk at 16kHz.
func chunkOf(amplitude float64) audio.Chunk {
	samples := make([]float64, 1600)
	for i := range samples {
		samples[i] = amplitude
	}
	return audio.Chunk{Samples: samples, SampleRate: 16000}
}

const (
	loud  = 0.1    // -20 dB
	quiet = 0.0001 // -80 dB
)

func db(v float64) *float64 { return &v }

func TestSilenceFinalizesAfterTrailingSilence(t *testing.T) {
	d := NewSilence(SilenceConfig{
		ThresholdDB: db(-40),
		MinSpeech:   300 * time.Millisecond,
		MinSilence:  500 * time.Millisecond,
	})

	// 4 chunks of speech = 400ms >= MinSpeech.
	for i := 0; i < 4; i++ {
		res := d.ProcessChunk(chunkOf(loud))
		if !res.IsSpeech {
			t.Fatalf("chunk %d: expected speech", i)
		}
		if res.ShouldFinalize {
			t.Fatalf("chunk %d: finalized during speech", i)
		}
	}

	// Silence crosses 500ms on the 5th silent chunk.
	for i := 0; i < 5; i++ {
		res := d.ProcessChunk(chunkOf(quiet))
		if res.IsSpeech {
			t.Fatalf("silent chunk %d classified as speech", i)
		}
		wantFinalize := i == 4
		if res.ShouldFinalize != wantFinalize {
			t.Fatalf("silent chunk %d: expected finalize=%v, got %v (silence=%v)",
				i, wantFinalize, res.ShouldFinalize, res.SilenceDuration)
		}
	}
}

func TestSilenceIgnoresShortBlips(t *testing.T) {
	d := NewSilence(SilenceConfig{
		ThresholdDB: db(-40),
		MinSpeech:   300 * time.Millisecond,
		MinSilence:  200 * time.Millisecond,
	})

	// One 100ms blip never becomes valid speech.
	d.ProcessChunk(chunkOf(loud))
	for i := 0; i < 20; i++ {
		if res := d.ProcessChunk(chunkOf(quiet)); res.ShouldFinalize {
			t.Fatalf("finalized after a blip shorter than minimum speech")
		}
	}
}

func TestSilenceSpeechResumptionResetsSilenceTimer(t *testing.T) {
	d := NewSilence(SilenceConfig{
		ThresholdDB: db(-40),
		MinSpeech:   200 * time.Millisecond,
		MinSilence:  300 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		d.ProcessChunk(chunkOf(loud))
	}
	// 200ms silence, below the 300ms requirement.
	d.ProcessChunk(chunkOf(quiet))
	d.ProcessChunk(chunkOf(quiet))
	// Speaker resumes; trailing silence starts over.
	d.ProcessChunk(chunkOf(loud))
	d.ProcessChunk(chunkOf(loud))
	res := d.ProcessChunk(chunkOf(quiet))
	if res.SilenceDuration != 100*time.Millisecond {
		t.Fatalf("expected silence timer restarted, got %v", res.SilenceDuration)
	}
	if res.ShouldFinalize {
		t.Fatalf("finalized before new trailing silence accumulated")
	}
}

func TestSilenceResetIdempotent(t *testing.T) {
	d := NewSilence(SilenceConfig{ThresholdDB: db(-40), MinSpeech: 100 * time.Millisecond, MinSilence: 100 * time.Millisecond})

	for i := 0; i < 3; i++ {
		d.ProcessChunk(chunkOf(loud))
	}
	d.Reset()
	after1 := *dSnapshot(d)
	d.Reset()
	after2 := *dSnapshot(d)
	if after1 != after2 {
		t.Fatalf("expected double reset to equal single reset")
	}
	if res := d.ProcessChunk(chunkOf(quiet)); res.ShouldFinalize {
		t.Fatalf("expected no finalize after reset cleared valid speech")
	}
	if d.Threshold() != -40 {
		t.Fatalf("expected reset to preserve configuration")
	}
}

func TestSilenceThresholdDefaultAndExplicitZero(t *testing.T) {
	if d := NewSilence(SilenceConfig{}); d.Threshold() != DefaultThresholdDB {
		t.Fatalf("expected default threshold %v, got %v", DefaultThresholdDB, d.Threshold())
	}

	// 0 dB is a real threshold, not "unset": nothing quieter than full
	// scale counts as speech.
	d := NewSilence(SilenceConfig{ThresholdDB: db(0), MinSpeech: 100 * time.Millisecond, MinSilence: 100 * time.Millisecond})
	if d.Threshold() != 0 {
		t.Fatalf("expected explicit 0 dB threshold, got %v", d.Threshold())
	}
	if res := d.ProcessChunk(chunkOf(0.5)); res.IsSpeech { // -6 dB
		t.Fatalf("expected -6 dB chunk below a 0 dB threshold")
	}
}

func TestSilenceThresholdUpdate(t *testing.T) {
	d := NewSilence(SilenceConfig{ThresholdDB: db(-40), MinSpeech: 100 * time.Millisecond, MinSilence: 100 * time.Millisecond})

	if res := d.ProcessChunk(chunkOf(0.005)); res.IsSpeech { // ~-46 dB
		t.Fatalf("expected quiet chunk below -40dB threshold")
	}
	d.UpdateThreshold(-50)
	if res := d.ProcessChunk(chunkOf(0.005)); !res.IsSpeech {
		t.Fatalf("expected chunk above lowered threshold to classify as speech")
	}
}

type silenceSnapshot struct {
	speaking       bool
	speechDur      time.Duration
	silenceDur     time.Duration
	hasValidSpeech bool
}

func dSnapshot(d *Silence) *silenceSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &silenceSnapshot{
		speaking:       d.speaking,
		speechDur:      d.speechDur,
		silenceDur:     d.silenceDur,
		hasValidSpeech: d.hasValidSpeech,
	}
}
