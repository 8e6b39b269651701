package audio

import (
	"context"
	"sync"
	"time"
)

// Segment is one stretch of scripted audio at a constant amplitude.
// A constant-amplitude buffer has RMS equal to the amplitude, which makes
// level assertions in tests exact.
type Segment struct {
	Amplitude float64
	Duration  time.Duration
}

// ScriptSource is a deterministic CaptureSource that plays back a scripted
// sequence of segments. It stands in for a real microphone in tests and in
// the example binary.
type ScriptSource struct {
	Segments []Segment
	// Interval throttles chunk delivery; zero delivers as fast as the
	// consumer reads, which is what tests want.
	Interval time.Duration
}

func (s *ScriptSource) Start(ctx context.Context, cfg CaptureConfig) (CaptureSession, error) {
	cfg = cfg.withDefaults()
	sess := &scriptSession{
		chunks: make(chan Chunk),
		states: make(chan bool, 1),
		done:   make(chan struct{}),
	}
	go sess.run(ctx, s.Segments, s.Interval, cfg)
	return sess, nil
}

type scriptSession struct {
	chunks chan Chunk
	states chan bool
	done   chan struct{}
	once   sync.Once
}

func (s *scriptSession) Chunks() <-chan Chunk { return s.chunks }
func (s *scriptSession) States() <-chan bool  { return s.states }

func (s *scriptSession) Stop() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *scriptSession) run(ctx context.Context, segments []Segment, interval time.Duration, cfg CaptureConfig) {
	defer close(s.chunks)
	defer close(s.states)
	chunkDur := time.Duration(float64(cfg.ChunkSize) / float64(cfg.SampleRate) * float64(time.Second))
	for _, seg := range segments {
		n := int(seg.Duration / chunkDur)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			samples := make([]float64, cfg.ChunkSize)
			for j := range samples {
				samples[j] = seg.Amplitude
			}
			select {
			case s.chunks <- Chunk{Samples: samples, SampleRate: cfg.SampleRate}:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
			if interval > 0 {
				select {
				case <-time.After(interval):
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
	// Script exhausted: hold the session open until stopped.
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}
