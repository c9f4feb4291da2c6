package experiment

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run is a handle to one in-flight experiment.
type Run struct {
	ID        uuid.UUID
	Kind      Kind
	StartedAt time.Time

	events     chan Event
	done       chan struct{}
	cancel     chan struct{}
	cancelOnce sync.Once

	result *Result
	err    error
}

func newRun(kind Kind, buffer int) *Run {
	if buffer <= 0 {
		buffer = 1
	}
	return &Run{
		ID:        uuid.New(),
		Kind:      kind,
		StartedAt: time.Now(),
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
		cancel:    make(chan struct{}),
	}
}

// Events returns the run's event channel. It is closed after the Done event.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Done is closed when the run has finished and the coordinator is idle again.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes.
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

// Cancel asks the run to stop. It returns immediately.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() {
		close(r.cancel)
	})
}

func (r *Run) cancelRequested() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

// emit sends ev without blocking; a full buffer drops the event.
func (r *Run) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		log.Printf("Run %s event channel full, dropping %s event", r.ID, ev.Type)
	}
}

func (r *Run) finish(res *Result, err error) {
	r.result = res
	r.err = err
	close(r.events)
	close(r.done)
}
