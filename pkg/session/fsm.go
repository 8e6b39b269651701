// Package session implements the outward-facing capture controller: a pure
// transition function over an explicit Context, and a Manager that applies
// events one at a time and carries out the resulting side effects. The
// Context is the single source of truth for the session, replacing the
// ad-hoc flag-per-concern guards this design grew out of.
package session

// State is the session lifecycle position. The machine is cyclic: after a
// command is delivered the session returns to listening without a
// reconnect.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateCorrecting State = "correcting"
	StateSent       State = "sent"
	StateError      State = "error"
)

// EventType names the domain events the machine consumes.
type EventType string

const (
	EventStart             EventType = "start"
	EventConnected         EventType = "connected"
	EventStop              EventType = "stop"
	EventTranscript        EventType = "transcript"
	EventFinalize          EventType = "finalize"
	EventError             EventType = "error"
	EventCorrectionToken   EventType = "correction_token"
	EventDelivered         EventType = "delivered"
	EventReturnToListening EventType = "return_to_listening"
)

// Event is one domain event. Text carries the payload for transcript,
// finalize, correction-token and delivered events; Message carries the
// human-readable error description.
type Event struct {
	Type        EventType
	TargetID    string
	SubTargetID string
	Text        string
	Message     string
}

// Context holds everything the session knows. Fields other than State are
// meaningful only in the states that produce them; entering idle resets the
// whole Context to its zero value.
type Context struct {
	State             State
	TargetID          string
	SubTargetID       string
	Transcript        string
	CorrectedText     string
	LastError         string
	ReconnectAttempts int
}

// NewContext returns the initial idle context.
func NewContext() Context {
	return Context{State: StateIdle}
}

// EffectKind instructs the owner which side effect a transition calls for.
// The transition function itself performs none.
type EffectKind int

const (
	EffectNone EffectKind = iota
	EffectConnect
	EffectDisconnect
	// EffectDeliver hands the finalized command text downstream.
	EffectDeliver
)

// Effect pairs an instruction with its payload.
type Effect struct {
	Kind EffectKind
	Text string
}

// Transition applies one event to a context and returns the next context
// plus the side effect the owner should carry out. It is pure: any
// (state, event) pair outside the table returns the context unchanged with
// no effect, so callers never need to pre-validate events.
func Transition(ctx Context, ev Event) (Context, Effect) {
	switch ev.Type {
	case EventStart:
		if ctx.State != StateIdle && ctx.State != StateError {
			return ctx, Effect{}
		}
		next := Context{
			State:       StateConnecting,
			TargetID:    ev.TargetID,
			SubTargetID: ev.SubTargetID,
		}
		if next.TargetID == "" {
			next.TargetID = ctx.TargetID
		}
		if next.SubTargetID == "" {
			next.SubTargetID = ctx.SubTargetID
		}
		return next, Effect{Kind: EffectConnect}

	case EventConnected:
		if ctx.State != StateConnecting {
			return ctx, Effect{}
		}
		ctx.State = StateListening
		ctx.ReconnectAttempts = 0
		ctx.LastError = ""
		return ctx, Effect{}

	case EventStop:
		switch ctx.State {
		case StateConnecting, StateListening, StateProcessing, StateCorrecting, StateError:
			return Context{State: StateIdle}, Effect{Kind: EffectDisconnect}
		}
		return ctx, Effect{}

	case EventTranscript:
		if ctx.State != StateListening {
			return ctx, Effect{}
		}
		ctx.Transcript = ev.Text
		return ctx, Effect{}

	case EventFinalize:
		if ctx.State != StateListening {
			return ctx, Effect{}
		}
		ctx.State = StateProcessing
		ctx.Transcript = ""
		return ctx, Effect{Kind: EffectDeliver, Text: ev.Text}

	case EventError:
		switch ctx.State {
		case StateConnecting, StateListening, StateProcessing, StateCorrecting:
			ctx.State = StateError
			ctx.LastError = ev.Message
			return ctx, Effect{}
		}
		return ctx, Effect{}

	case EventCorrectionToken:
		switch ctx.State {
		case StateProcessing, StateCorrecting:
			ctx.State = StateCorrecting
			ctx.CorrectedText += ev.Text
			return ctx, Effect{}
		}
		return ctx, Effect{}

	case EventDelivered:
		switch ctx.State {
		case StateProcessing, StateCorrecting:
			ctx.State = StateSent
			ctx.CorrectedText = ev.Text
			return ctx, Effect{}
		}
		return ctx, Effect{}

	case EventReturnToListening:
		if ctx.State != StateSent {
			return ctx, Effect{}
		}
		ctx.State = StateListening
		ctx.CorrectedText = ""
		return ctx, Effect{}
	}
	return ctx, Effect{}
}

// IsRecording reports whether the session is actively capturing or
// handling an utterance.
func (c Context) IsRecording() bool {
	return c.State != StateIdle && c.State != StateError
}

// CanStart reports whether a START event would be accepted.
func (c Context) CanStart() bool {
	return c.State == StateIdle || c.State == StateError
}

// CanClearTranscript reports whether the user can clear the live
// transcript right now.
func (c Context) CanClearTranscript() bool {
	return c.State == StateListening && c.Transcript != ""
}
