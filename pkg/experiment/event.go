package experiment

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/itohio/rcexp/pkg/sample"
)

// State is the coordinator lifecycle state.
type State int

const (
	Idle State = iota
	Preparing
	Acquiring
	Finalizing
	Cancelling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Acquiring:
		return "acquiring"
	case Finalizing:
		return "finalizing"
	case Cancelling:
		return "cancelling"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Cancelling; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// EventType classifies run events.
type EventType int

const (
	// StateChanged reports a state transition.
	StateChanged EventType = iota
	// Priming reports capacitor preparation progress.
	Priming
	// Progress reports acquisition progress, one per sample plus a final 100.
	Progress
	// Done carries the result; it is the last event of a run.
	Done
)

func (t EventType) String() string {
	switch t {
	case StateChanged:
		return "state"
	case Priming:
		return "priming"
	case Progress:
		return "progress"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	for typ := StateChanged; typ <= Done; typ++ {
		if typ.String() == string(b) {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", b)
}

// Event is emitted by a running experiment.
type Event struct {
	RunID     uuid.UUID      `json:"run_id"`
	Kind      Kind           `json:"kind"`
	Type      EventType      `json:"type"`
	State     State          `json:"state"`
	Percent   float64        `json:"percent"`
	Sample    *sample.Sample `json:"sample,omitempty"`
	Result    *Result        `json:"-"`
	Err       error          `json:"-"`
	ErrString string         `json:"error,omitempty"`
}
