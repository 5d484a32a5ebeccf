package orchestrator

import (
	"github.com/memohai/knowbot/internal/callback"
	"github.com/memohai/knowbot/internal/failure"
	"github.com/memohai/knowbot/internal/knowledge"
)

// State is a step of the per-event state machine.
type State string

const (
	StateReceived         State = "received"
	StateAuthenticated    State = "authenticated"
	StateIdentityResolved State = "identity_resolved"
	StateSpaceResolved    State = "space_resolved"
	StateUploaded         State = "uploaded"
	StateRegistered       State = "registered"
	StateAcknowledged     State = "acknowledged"
	StateFailed           State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateAcknowledged || s == StateFailed
}

var transitions = map[State]State{
	StateReceived:         StateAuthenticated,
	StateAuthenticated:    StateIdentityResolved,
	StateIdentityResolved: StateSpaceResolved,
	StateSpaceResolved:    StateUploaded,
	StateUploaded:         StateRegistered,
	StateRegistered:       StateAcknowledged,
}

// Response plaintexts. Failures carry no detail.
const (
	AckSuccess = "success"
	AckFailure = "failure"
)

// Outcome is the result of handling one event.
type Outcome struct {
	State   State
	Failure failure.Kind
	Err     error
	// Trail lists every state entered, in order.
	Trail []State
	// Response is the encrypted acknowledgement (Handle only).
	Response callback.Envelope
	DocURL   string
	Record   *knowledge.Record
	// Duplicate marks a redelivery acknowledged without reprocessing.
	Duplicate bool
	// Ignored marks an authenticated event that is not a file message.
	Ignored bool
	// Detached marks a response sent before the pipeline finished.
	Detached bool
}

// machine records the transitions of one event.
type machine struct {
	trail []State
}

func newMachine(start State) *machine {
	return &machine{trail: []State{start}}
}

func (m *machine) current() State { return m.trail[len(m.trail)-1] }

// advance moves to the next state. Skipping steps is a programming error.
func (m *machine) advance(to State) {
	cur := m.current()
	if cur.Terminal() {
		panic("orchestrator: transition out of terminal state " + string(cur))
	}
	// check_url and ignored events are acknowledged straight after authentication
	if to == StateAcknowledged && cur == StateAuthenticated {
		m.trail = append(m.trail, to)
		return
	}
	if transitions[cur] != to {
		panic("orchestrator: illegal transition " + string(cur) + " -> " + string(to))
	}
	m.trail = append(m.trail, to)
}

func (m *machine) fail(err error) Outcome {
	if !m.current().Terminal() {
		m.trail = append(m.trail, StateFailed)
	}
	return Outcome{State: StateFailed, Failure: failure.KindOf(err), Err: err, Trail: m.snapshot()}
}

func (m *machine) done() Outcome {
	return Outcome{State: m.current(), Trail: m.snapshot()}
}

func (m *machine) snapshot() []State {
	return append([]State(nil), m.trail...)
}
