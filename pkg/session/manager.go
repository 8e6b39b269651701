package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxpipe/voxpipe/pkg/logging"
	"github.com/voxpipe/voxpipe/pkg/metrics"
	"github.com/voxpipe/voxpipe/pkg/stt"
)

// Transcriber is the slice of the transcription client the manager drives.
type Transcriber interface {
	Connect(ctx context.Context) error
	Disconnect() error
	ResetTranscript()
}

// Deliverer receives a finalized command for downstream execution. The
// executor itself lives outside this module.
type Deliverer func(targetID, subTargetID, text string)

// StateChange describes one applied transition.
type StateChange struct {
	From      State
	To        State
	Event     EventType
	Timestamp time.Time
}

// StateListener observes applied transitions. Notifications fire outside
// the manager's lock, in dispatch order.
type StateListener interface {
	OnStateChange(change StateChange)
}

// ManagerOptions configures a Manager. Deliverer may be nil when the owner
// consumes finalized commands through a listener instead.
type ManagerOptions struct {
	Deliverer Deliverer
	Listeners []StateListener
	Observer  metrics.Observer
	Logger    *slog.Logger
}

// Manager funnels every event through one serialized dispatch point and
// carries out transition effects. It owns the transcription client: the
// rest of the application talks only to the manager.
type Manager struct {
	deliverer Deliverer
	listeners []StateListener
	observer  metrics.Observer
	logger    *slog.Logger

	mu            sync.Mutex
	ctx           Context
	client        Transcriber
	connectCancel context.CancelFunc
	connectGen    uint64
}

func NewManager(opts ManagerOptions) *Manager {
	observer := opts.Observer
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Manager{
		deliverer: opts.Deliverer,
		listeners: opts.Listeners,
		observer:  observer,
		logger:    logging.NewComponentLogger(opts.Logger, "session"),
		ctx:       NewContext(),
	}
}

// Bind attaches the transcription client. It must be called before the
// first START event; the two-step construction exists because the client
// needs the manager's callbacks at build time.
func (m *Manager) Bind(client Transcriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = client
}

// Callbacks returns the callback set to hand to the transcription client.
// Each callback converts a client notification into a dispatched event.
func (m *Manager) Callbacks() stt.Callbacks {
	return stt.Callbacks{
		OnTranscript: func(text string, hasNewFinal bool) {
			m.Dispatch(Event{Type: EventTranscript, Text: text})
		},
		OnFinalize: func(command string) {
			m.Dispatch(Event{Type: EventFinalize, Text: command})
		},
		OnConnectionChange: func(connected bool) {
			if connected {
				m.Dispatch(Event{Type: EventConnected})
			}
		},
		OnError: func(err error) {
			m.Dispatch(Event{Type: EventError, Message: err.Error()})
		},
	}
}

// Context returns a snapshot of the current session context.
func (m *Manager) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Start begins a capture session for the given delivery target.
func (m *Manager) Start(targetID, subTargetID string) Context {
	return m.Dispatch(Event{Type: EventStart, TargetID: targetID, SubTargetID: subTargetID})
}

// Stop ends the session from any active state.
func (m *Manager) Stop() Context {
	return m.Dispatch(Event{Type: EventStop})
}

// ClearTranscript discards the live transcript buffer. It is a client-side
// operation, not a transition: the next transcript callback refreshes the
// context.
func (m *Manager) ClearTranscript() {
	m.mu.Lock()
	client := m.client
	if m.ctx.CanClearTranscript() {
		m.ctx.Transcript = ""
	}
	m.mu.Unlock()
	if client != nil {
		client.ResetTranscript()
	}
}

// Dispatch applies one event and executes the resulting effect. Events are
// applied strictly one at a time; effects and listener notifications run
// outside the lock so client teardown can drain callbacks without
// deadlocking.
func (m *Manager) Dispatch(ev Event) Context {
	m.mu.Lock()
	prev := m.ctx
	next, effect := Transition(prev, ev)
	m.ctx = next

	var cancel context.CancelFunc
	if effect.Kind == EffectDisconnect && m.connectCancel != nil {
		cancel = m.connectCancel
		m.connectCancel = nil
	}
	// The cancel func is registered under the same lock that applied the
	// transition, so a STOP racing in from another goroutine always finds
	// it; a connect attempt can never outlive the state that started it.
	var connectCtx context.Context
	var connectGen uint64
	if effect.Kind == EffectConnect {
		connectCtx, m.connectCancel = context.WithCancel(context.Background())
		m.connectGen++
		connectGen = m.connectGen
	}
	client := m.client
	m.mu.Unlock()

	if next.State != prev.State {
		m.logger.Info("state changed",
			slog.String("from", string(prev.State)),
			slog.String("to", string(next.State)),
			slog.String("event", string(ev.Type)))
		m.observer.RecordEvent(metrics.Event{
			Name: "session.transition",
			Time: time.Now(),
			Fields: map[string]any{
				"from":  string(prev.State),
				"to":    string(next.State),
				"event": string(ev.Type),
			},
		})
		change := StateChange{From: prev.State, To: next.State, Event: ev.Type, Timestamp: time.Now()}
		for _, l := range m.listeners {
			l.OnStateChange(change)
		}
	}

	switch effect.Kind {
	case EffectConnect:
		m.startConnect(client, connectCtx, connectGen)
	case EffectDisconnect:
		if cancel != nil {
			cancel()
		}
		if client != nil {
			if err := client.Disconnect(); err != nil {
				m.logger.Warn("disconnect failed", slog.String("error", err.Error()))
			}
		}
	case EffectDeliver:
		if m.deliverer != nil {
			m.deliverer(next.TargetID, next.SubTargetID, effect.Text)
		}
	}
	return next
}

// startConnect runs the client connect off the dispatch path. A STOP while
// connecting cancels the attempt through the cancel func Dispatch stored;
// an aborted attempt never produces an error event. The generation counter
// keeps a finished attempt from clearing a newer attempt's cancel func.
func (m *Manager) startConnect(client Transcriber, ctx context.Context, gen uint64) {
	if client == nil {
		m.clearConnectCancel(gen)
		m.Dispatch(Event{Type: EventError, Message: "no transcription client bound"})
		return
	}

	go func() {
		err := client.Connect(ctx)
		// Read before releasing the cancel func, which cancels our own
		// context and would make every failure look like an abort.
		aborted := ctx.Err() != nil
		m.clearConnectCancel(gen)
		if err != nil && !aborted {
			m.Dispatch(Event{Type: EventError, Message: err.Error()})
		}
	}()
}

// clearConnectCancel releases the stored cancel func for the given attempt,
// leaving newer attempts untouched.
func (m *Manager) clearConnectCancel(gen uint64) {
	m.mu.Lock()
	cancel := m.connectCancel
	if m.connectGen == gen {
		m.connectCancel = nil
	} else {
		cancel = nil
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
