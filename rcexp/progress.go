package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/itohio/rcexp/pkg/experiment"
)

const redrawInterval = 100 * time.Millisecond

// runExperiment starts a run and renders its events until it finishes.
// Pulse runs keep going until Enter is pressed.
func runExperiment(ctx context.Context, state *appState, kind experiment.Kind) error {
	run, err := state.sess.Start(ctx, kind)
	if err != nil {
		return err
	}

	if kind == experiment.PulseCapture {
		fmt.Println("Pulse experiment running, press Enter to stop")
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			if state.in.waitEnter(run.Done()) {
				run.Cancel()
			}
		}()
		// The menu reads the console again only after the waiter has let go.
		defer func() { <-stopped }()
	}

	var (
		bar        progressBar
		lastRedraw time.Time
		samples    int
	)
	for ev := range run.Events() {
		switch ev.Type {
		case experiment.StateChanged:
			bar.phase = ev.State.String()
		case experiment.Priming:
			bar.percent = ev.Percent
			bar.phase = "priming"
		case experiment.Progress:
			bar.percent = ev.Percent
			if ev.Sample != nil {
				samples++
				bar.detail = fmt.Sprintf("%d samples, %.3f V", samples, ev.Sample.Voltage)
			}
		case experiment.Done:
			bar.draw()
			fmt.Println()
			continue
		}

		if time.Since(lastRedraw) >= redrawInterval {
			bar.draw()
			lastRedraw = time.Now()
		}
	}

	res, err := run.Wait()
	if err != nil {
		return err
	}
	report(res)
	return nil
}

type progressBar struct {
	phase   string
	percent float64
	detail  string
}

func (b progressBar) draw() {
	const width = 30
	filled := int(b.percent / 100 * width)
	filled = max(0, min(width, filled))
	fmt.Printf("\r%-11s [%s%s] %5.1f%% %-32s",
		b.phase, strings.Repeat("#", filled), strings.Repeat(".", width-filled), b.percent, b.detail)
}

func report(res *experiment.Result) {
	switch {
	case res.Forced:
		fmt.Println("Device did not confirm stop, run terminated")
	case res.Cancelled && res.Kind != experiment.PulseCapture:
		fmt.Println("Run cancelled")
	}

	if !res.Kind.Captures() {
		fmt.Printf("Done in %v\n", res.Duration().Round(time.Millisecond))
		return
	}
	fmt.Printf("%d samples in %v\n", len(res.Samples), res.Duration().Round(time.Millisecond))
	fmt.Println(summary(res))
}

func summary(res *experiment.Result) string {
	switch {
	case res.Fit != nil:
		rc := res.Params.TimeConstant()
		return fmt.Sprintf("tau=%.4g s (RC=%.4g s, %+.1f%%), Vcc=%.3f V",
			res.Fit.TimeConstant, rc, 100*(res.Fit.TimeConstant-rc)/rc, res.Fit.SupplyVoltage)
	case res.Pulse != nil:
		return fmt.Sprintf("steady state mean=%.3f V ripple=%.3f V", res.Pulse.Mean, res.Pulse.Ripple)
	case res.FitError != "":
		return "no fit: " + res.FitError
	case res.Failed != "":
		return "failed: " + res.Failed
	default:
		return ""
	}
}
