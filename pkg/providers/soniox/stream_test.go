package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxpipe/voxpipe/pkg/stt"
)

// testContext stands in for t.Context(), which requires Go 1.24; the
// context is canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// protocolServer is a test double for the remote service. It flags any
// binary frame received before the structured configuration frame.
type protocolServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu               sync.Mutex
	handshake        *handshakeFrame
	audioFrames      int
	audioBytes       int
	audioBeforeShake bool

	// script holds frames the server sends after the handshake.
	script []serverFrame
}

func (ps *protocolServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ps.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	scriptSent := false
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ps.mu.Lock()
		switch kind {
		case websocket.TextMessage:
			var hs handshakeFrame
			if err := json.Unmarshal(payload, &hs); err != nil {
				ps.t.Errorf("bad configuration frame: %v", err)
			}
			if ps.handshake != nil {
				ps.t.Errorf("received a second structured frame; protocol is binary-only after the handshake")
			}
			ps.handshake = &hs
		case websocket.BinaryMessage:
			if ps.handshake == nil {
				ps.audioBeforeShake = true
			}
			ps.audioFrames++
			ps.audioBytes += len(payload)
		}
		shouldSend := ps.handshake != nil && ps.audioFrames > 0 && !scriptSent
		script := ps.script
		ps.mu.Unlock()

		if shouldSend {
			scriptSent = true
			for _, frame := range script {
				data, _ := json.Marshal(frame)
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}
}

func startServer(t *testing.T, script ...serverFrame) (*protocolServer, *Provider, func()) {
	t.Helper()
	ps := &protocolServer{t: t, script: script}
	srv := httptest.NewServer(ps)
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	return ps, New(Config{Endpoint: endpoint}), srv.Close
}

func testStreamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		APIKey:        "test-key",
		Model:         "stt-rt-preview",
		SampleRate:    16000,
		NumChannels:   1,
		AudioEncoding: "pcm_s16le",
		LanguageHints: []string{"en"},
	}
}

func TestOpenSendsConfigurationBeforeAudio(t *testing.T) {
	ps, p, stop := startServer(t)
	defer stop()

	s, err := p.Open(testContext(t), testStreamConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	waitFor(t, func() bool {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		return ps.audioFrames == 1
	})

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.audioBeforeShake {
		t.Fatalf("binary audio arrived before the configuration frame")
	}
	if ps.handshake == nil {
		t.Fatalf("no configuration frame received")
	}
	if ps.handshake.APIKey != "test-key" || ps.handshake.AudioFormat != "pcm_s16le" {
		t.Fatalf("unexpected handshake: %+v", ps.handshake)
	}
	if ps.handshake.SampleRate != 16000 || ps.handshake.NumChannels != 1 {
		t.Fatalf("unexpected audio parameters: %+v", ps.handshake)
	}
}

func TestStreamDeliversTokenBatches(t *testing.T) {
	_, p, stop := startServer(t,
		serverFrame{Tokens: []stt.Token{{Text: "fix ", IsFinal: true}, {Text: "bug", IsFinal: false}}},
		serverFrame{Tokens: []stt.Token{{Text: "bug ", IsFinal: true}}},
	)
	defer stop()

	s, err := p.Open(testContext(t), testStreamConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	first := nextEvent(t, s)
	if len(first.Tokens) != 2 || first.Tokens[0].Text != "fix " || !first.Tokens[0].IsFinal {
		t.Fatalf("unexpected first batch: %+v", first)
	}
	second := nextEvent(t, s)
	if len(second.Tokens) != 1 || second.Tokens[0].Text != "bug " {
		t.Fatalf("unexpected second batch: %+v", second)
	}
}

func TestStreamSurfacesErrorFrameWithoutClosing(t *testing.T) {
	_, p, stop := startServer(t,
		serverFrame{ErrorMessage: "model overloaded"},
		serverFrame{Tokens: []stt.Token{{Text: "still here", IsFinal: true}}},
	)
	defer stop()

	s, err := p.Open(testContext(t), testStreamConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	ev := nextEvent(t, s)
	var remoteErr *stt.RemoteProtocolError
	if !errors.As(ev.Err, &remoteErr) {
		t.Fatalf("expected RemoteProtocolError, got %+v", ev)
	}
	if remoteErr.Message != "model overloaded" {
		t.Fatalf("expected verbatim message, got %q", remoteErr.Message)
	}

	// The transport stays open: the next token batch still arrives.
	ev = nextEvent(t, s)
	if len(ev.Tokens) != 1 || ev.Tokens[0].Text != "still here" {
		t.Fatalf("expected batch after error frame, got %+v", ev)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, p, stop := startServer(t)
	defer stop()

	s, err := p.Open(testContext(t), testStreamConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := s.SendAudio([]byte{1}); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}

func TestCloseUnblocksConcurrentSenders(t *testing.T) {
	_, p, stop := startServer(t)
	defer stop()

	s, err := p.Open(testContext(t), testStreamConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Hammer the audio buffer from several goroutines so a teardown is
	// guaranteed to catch senders mid-flight.
	chunk := make([]byte, 320)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s.SendAudio(chunk) == nil {
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-time.After(5 * time.Second):
		t.Fatalf("senders still blocked after close")
	}
	if err := s.SendAudio(chunk); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}

func TestOpenRequiresAPIKey(t *testing.T) {
	_, p, stop := startServer(t)
	defer stop()

	cfg := testStreamConfig()
	cfg.APIKey = ""
	if _, err := p.Open(testContext(t), cfg); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func nextEvent(t *testing.T, s stt.Stream) stt.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatalf("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return stt.Event{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
