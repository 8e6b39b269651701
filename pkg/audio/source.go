package audio

import "context"

// CaptureConfig describes how the microphone should be captured.
type CaptureConfig struct {
	SampleRate int
	ChunkSize  int // samples per chunk
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1600 // 100ms at 16kHz
	}
	return c
}

// CaptureSession is a live microphone capture.
//
// Chunks delivers buffers in capture order and is closed when the session
// ends. States reports capture suspension (true) and resumption (false),
// which mobile platforms raise when the app is backgrounded.
type CaptureSession interface {
	Chunks() <-chan Chunk
	States() <-chan bool
	Stop() error
}

// CaptureSource creates microphone capture sessions.
type CaptureSource interface {
	Start(ctx context.Context, cfg CaptureConfig) (CaptureSession, error)
}
