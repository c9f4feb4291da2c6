// Package experiment runs RC experiments as cancellable streaming acquisitions.
package experiment

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/itohio/rcexp/pkg/config"
	"github.com/itohio/rcexp/pkg/link"
	"github.com/itohio/rcexp/pkg/params"
)

// Device is the part of the link a run uses. Only the run worker touches it
// while a run is active.
type Device interface {
	SendCommand(cmd string) error
	Responses(n int) iter.Seq2[link.Response, error]
}

// ParamSource provides the current device parameters.
type ParamSource interface {
	Params() (params.DeviceParameters, bool)
}

// Coordinator runs at most one experiment at a time.
type Coordinator struct {
	dev   Device
	store ParamSource
	cfg   config.ExperimentConfig

	mu        sync.RWMutex
	state     State
	run       *Run
	last      *Result
	observers []func(Event)
}

// New creates an idle coordinator.
func New(dev Device, store ParamSource, cfg config.ExperimentConfig) *Coordinator {
	def := config.Default().Experiment
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = def.CancelTimeout
	}
	if cfg.StopResend <= 0 {
		cfg.StopResend = def.StopResend
	}
	if cfg.MaxMissedFrames <= 0 {
		cfg.MaxMissedFrames = def.MaxMissedFrames
	}
	if cfg.MinFitSamples <= 0 {
		cfg.MinFitSamples = def.MinFitSamples
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	return &Coordinator{
		dev:   dev,
		store: store,
		cfg:   cfg,
		state: Idle,
	}
}

// OnEvent registers an observer called from the run worker for every event.
// Observers must not block.
func (c *Coordinator) OnEvent(cb func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, cb)
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Active returns the running experiment, if any.
func (c *Coordinator) Active() (*Run, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.run, c.run != nil
}

// Last returns the result of the most recent capture run, including partial
// results of cancelled or failed runs.
func (c *Coordinator) Last() (*Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.last != nil
}

// Start begins a run of the given kind. Cancelling ctx cancels the run.
func (c *Coordinator) Start(ctx context.Context, kind Kind) (*Run, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown experiment kind %d", int(kind))
	}

	p, ok := c.store.Params()
	if !ok {
		return nil, ErrParamsUnknown
	}

	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		return nil, ErrRunActive
	}
	run := newRun(kind, c.cfg.EventBuffer)
	c.run = run
	c.state = Preparing
	c.mu.Unlock()

	w := &worker{
		c:      c,
		run:    run,
		params: p,
	}
	go w.execute(ctx)

	return run, nil
}

// Cancel asks the active run to stop. It reports whether a run was active.
func (c *Coordinator) Cancel() bool {
	run, ok := c.Active()
	if ok {
		run.Cancel()
	}
	return ok
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// complete returns the coordinator to Idle and records the result.
func (c *Coordinator) complete(run *Run, res *Result) {
	c.mu.Lock()
	c.state = Idle
	c.run = nil
	if res != nil && run.Kind.Captures() {
		c.last = res
	}
	c.mu.Unlock()
}

// publish delivers ev to the run channel and every observer.
func (c *Coordinator) publish(run *Run, ev Event) {
	ev.RunID = run.ID
	ev.Kind = run.Kind
	if ev.Err != nil {
		ev.ErrString = ev.Err.Error()
	}

	run.emit(ev)

	c.mu.RLock()
	observers := make([]func(Event), len(c.observers))
	copy(observers, c.observers)
	c.mu.RUnlock()

	for _, cb := range observers {
		cb(ev)
	}
}
