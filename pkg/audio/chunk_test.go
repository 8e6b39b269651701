package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func TestChunkRMSConstantAmplitude(t *testing.T) {
	samples := make([]float64, 160)
	for i := range samples {
		samples[i] = 0.5
	}
	c := Chunk{Samples: samples, SampleRate: 16000}
	if got := c.RMS(); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected rms 0.5, got %f", got)
	}
	if got := c.Duration(); got != 10*time.Millisecond {
		t.Fatalf("expected 10ms, got %v", got)
	}
}

func TestDecibelsSilenceIsFinite(t *testing.T) {
	db := Decibels(0)
	if math.IsInf(db, -1) || math.IsNaN(db) {
		t.Fatalf("expected finite level for silence, got %f", db)
	}
	if db > -100 {
		t.Fatalf("expected deep silence level, got %f", db)
	}
}

func TestEncodePCM16(t *testing.T) {
	buf := EncodePCM16([]float64{0, 1, -1, 0.5})
	defer ReleasePCMBuf(buf)

	if len(buf) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(buf))
	}
	if v := int16(binary.LittleEndian.Uint16(buf[0:])); v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}
	if v := int16(binary.LittleEndian.Uint16(buf[2:])); v != math.MaxInt16 {
		t.Fatalf("expected max, got %d", v)
	}
	if v := int16(binary.LittleEndian.Uint16(buf[4:])); v != -math.MaxInt16 {
		t.Fatalf("expected -max, got %d", v)
	}
	if v := int16(binary.LittleEndian.Uint16(buf[6:])); v != int16(math.Round(0.5*math.MaxInt16)) {
		t.Fatalf("unexpected half-scale value %d", v)
	}
}

func TestEncodePCM16ClampsOutOfRange(t *testing.T) {
	buf := EncodePCM16([]float64{2.0, -2.0})
	defer ReleasePCMBuf(buf)
	if v := int16(binary.LittleEndian.Uint16(buf[0:])); v != math.MaxInt16 {
		t.Fatalf("expected clamp to max, got %d", v)
	}
	if v := int16(binary.LittleEndian.Uint16(buf[2:])); v != -math.MaxInt16 {
		t.Fatalf("expected clamp to -max, got %d", v)
	}
}
