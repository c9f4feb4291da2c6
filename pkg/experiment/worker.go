package experiment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/itohio/rcexp/pkg/fit"
	"github.com/itohio/rcexp/pkg/link"
	"github.com/itohio/rcexp/pkg/params"
	"github.com/itohio/rcexp/pkg/sample"
)

// StopCommand asks the device to end the current stream.
const StopCommand = "stop"

// worker owns the device for the lifetime of one run.
type worker struct {
	c      *Coordinator
	run    *Run
	params params.DeviceParameters
	seq    *sample.Sequence

	state        State
	cancelling   bool
	forced       bool
	forceAt      time.Time
	resendAt     time.Time
	primePercent float64
	percent      float64
}

func (w *worker) execute(ctx context.Context) {
	kind := w.run.Kind
	res := &Result{
		ID:        w.run.ID,
		Kind:      kind,
		StartedAt: w.run.StartedAt,
		Params:    w.params,
	}

	capacity := 1024
	if kind == ChargeCapture || kind == DischargeCapture {
		capacity = w.params.DurationFactor*w.params.SamplesPerTC + 1
	}
	w.seq = sample.NewSequence(capacity)
	w.state = Preparing
	w.publish(Event{Type: StateChanged, State: Preparing})

	err := w.phases(ctx)

	res.Samples = w.seq.Take()
	res.Cancelled = w.cancelling
	res.Forced = w.forced
	if err != nil {
		log.Printf("Run %s (%s) failed with %d samples: %v", w.run.ID, kind, len(res.Samples), err)
		res.Failed = err.Error()
		err = &AcquisitionError{Result: res, Err: err}
	} else if !w.cancelling || kind == PulseCapture {
		// Pulse runs only ever end by stop.
		w.finalize(res)
	}
	res.FinishedAt = time.Now()

	w.c.complete(w.run, res)
	w.state = Idle
	w.publish(Event{Type: StateChanged, State: Idle})
	w.publish(Event{Type: Done, State: Idle, Percent: w.percent, Result: res, Err: err})
	w.run.finish(res, err)
}

func (w *worker) phases(ctx context.Context) error {
	prime, capture := w.run.Kind.commands()

	if prime != "" {
		if err := w.c.dev.SendCommand(prime); err != nil {
			return err
		}
		charging := prime == "w"
		if err := w.consume(ctx, true, func(resp link.Response) { w.onPriming(resp, charging) }); err != nil {
			return err
		}
		if w.cancelling || capture == "" {
			return nil
		}
		if !w.settle(ctx) {
			return nil
		}
	}

	w.setState(Acquiring)
	if err := w.c.dev.SendCommand(capture); err != nil {
		return err
	}
	return w.consume(ctx, false, w.onSample)
}

// settle waits between priming and capture. It returns false if the run was cancelled meanwhile.
func (w *worker) settle(ctx context.Context) bool {
	if w.c.cfg.Settle <= 0 {
		return true
	}

	timer := time.NewTimer(w.c.cfg.Settle)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.run.cancel:
	case <-ctx.Done():
	}

	w.cancelling = true
	w.setState(Cancelling)
	return false
}

// consume reads frames until the end token, a forced stop, or a failure.
// While priming, a device event token also ends the stream.
func (w *worker) consume(ctx context.Context, priming bool, handle func(link.Response)) error {
	missed := 0
	for resp, err := range w.c.dev.Responses(0) {
		if !w.cancelling && (w.run.cancelRequested() || ctx.Err() != nil) {
			if err := w.beginCancel(); err != nil {
				return err
			}
		}
		if w.cancelling {
			now := time.Now()
			if !now.Before(w.forceAt) {
				log.Printf("Run %s: device did not confirm stop within %v, terminating", w.run.ID, w.c.cfg.CancelTimeout)
				w.forced = true
				return nil
			}
			if !now.Before(w.resendAt) {
				if err := w.sendStop(); err != nil {
					return err
				}
			}
		}

		if err != nil {
			var perr *link.ProtocolError
			switch {
			case errors.Is(err, link.ErrTimeout):
				if w.cancelling {
					continue
				}
				missed++
				if missed > w.c.cfg.MaxMissedFrames {
					return fmt.Errorf("%w: %d consecutive timeouts", ErrDeviceSilent, missed)
				}
			case errors.As(err, &perr):
				log.Printf("Run %s: skipping malformed frame: %v", w.run.ID, err)
			default:
				return err
			}
			continue
		}
		missed = 0

		switch resp.Kind {
		case link.End:
			return nil
		case link.Event:
			if priming && !w.cancelling {
				return nil
			}
			log.Printf("Run %s: ignoring device event %q", w.run.ID, resp.Token)
		case link.Value:
			handle(resp)
		}
	}
	return nil
}

func (w *worker) beginCancel() error {
	log.Printf("Run %s: stopping after %d samples (%.3f s)", w.run.ID, w.seq.Len(), w.seq.Elapsed())
	w.cancelling = true
	w.setState(Cancelling)
	w.forceAt = time.Now().Add(w.c.cfg.CancelTimeout)
	return w.sendStop()
}

func (w *worker) sendStop() error {
	w.resendAt = time.Now().Add(w.c.cfg.StopResend)
	if err := w.c.dev.SendCommand(StopCommand); err != nil {
		return fmt.Errorf("failed to send stop: %w", err)
	}
	return nil
}

func (w *worker) onPriming(resp link.Response, charging bool) {
	v, ok := resp.Voltage()
	if !ok {
		return
	}

	pct := 0.0
	if vcc := w.params.SupplyVoltage; vcc > 0 {
		if charging {
			pct = 100 * v / vcc
		} else {
			// Discharge starts near Vcc, so progress is the fraction already drained.
			pct = 100 * (1 - v/vcc)
		}
	}
	w.primePercent = math.Max(w.primePercent, clampPercent(pct))
	w.publish(Event{Type: Priming, State: w.state, Percent: w.primePercent})
}

func (w *worker) onSample(resp link.Response) {
	micros, v, ok := resp.Sample()
	if !ok {
		log.Printf("Run %s: ignoring frame without timestamp %q", w.run.ID, resp.Token)
		return
	}

	if _, ok := w.seq.AppendRaw(micros, v); !ok {
		return
	}
	smp, _ := w.seq.Last()

	pct := 0.0
	if w.run.Kind != PulseCapture {
		if expected := w.params.ExpectedDuration(); expected > 0 {
			pct = 100 * w.seq.Elapsed() / expected
		}
	}
	w.progress(pct, &smp)
}

func (w *worker) progress(pct float64, smp *sample.Sample) {
	w.percent = math.Max(w.percent, clampPercent(pct))
	w.publish(Event{Type: Progress, State: w.state, Percent: w.percent, Sample: smp})
}

func (w *worker) finalize(res *Result) {
	w.setState(Finalizing)

	kind := w.run.Kind
	if kind.Fits() {
		if n := len(res.Samples); n < w.c.cfg.MinFitSamples {
			res.FitErr = fmt.Errorf("%w: %d samples", fit.ErrInsufficientSamples, n)
		} else {
			r, err := fit.Fit(res.Samples, kind.Model(), fit.Guess{
				TimeConstant:  w.params.TimeConstant(),
				SupplyVoltage: w.params.SupplyVoltage,
			})
			if err != nil {
				res.FitErr = err
			} else {
				res.Fit = &r
			}
		}
		if res.FitErr != nil {
			res.FitError = res.FitErr.Error()
			log.Printf("Run %s: no fit: %v", w.run.ID, res.FitErr)
		}
	}

	if kind == PulseCapture {
		st := sample.SteadyState(res.Samples)
		res.Pulse = &st
	}

	w.progress(100, nil)
}

func (w *worker) setState(s State) {
	w.state = s
	w.c.setState(s)
	w.publish(Event{Type: StateChanged, State: s})
}

func (w *worker) publish(ev Event) {
	w.c.publish(w.run, ev)
}

func clampPercent(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	return math.Max(0, math.Min(100, p))
}
