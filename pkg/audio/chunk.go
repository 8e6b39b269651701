package audio

import (
	"math"
	"time"
)

// Chunk is one fixed-size buffer of normalized samples in [-1, 1],
// captured at SampleRate Hz, mono.
type Chunk struct {
	Samples    []float64
	SampleRate int
}

// Duration returns the wall time this chunk covers.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 || len(c.Samples) == 0 {
		return 0
	}
	return time.Duration(float64(len(c.Samples)) / float64(c.SampleRate) * float64(time.Second))
}

// RMS returns the root-mean-square level of the chunk.
func (c Chunk) RMS() float64 {
	if len(c.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range c.Samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(c.Samples)))
}

// levelEpsilon floors the RMS before the log conversion so that a fully
// silent buffer maps to a finite decibel value instead of -Inf.
const levelEpsilon = 1e-10

// Decibels converts an RMS level to dBFS.
func Decibels(rms float64) float64 {
	return 20 * math.Log10(math.Max(rms, levelEpsilon))
}

// Level returns the chunk level in dBFS.
func (c Chunk) Level() float64 {
	return Decibels(c.RMS())
}
