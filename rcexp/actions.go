package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/manifoldco/promptui"

	"github.com/itohio/rcexp/pkg/experiment"
	"github.com/itohio/rcexp/pkg/link"
	"github.com/itohio/rcexp/pkg/params"
	"github.com/itohio/rcexp/pkg/session"
)

// handleConnect picks a port and connects, showing progress while probing.
func handleConnect(ctx context.Context, state *appState) error {
	if state.sess.Connected() {
		fmt.Printf("Already connected to %s\n", state.sess.Port())
		return nil
	}

	port, err := selectPort(state)
	if err != nil {
		return err
	}

	out := session.Go(func() (struct{}, error) {
		return struct{}{}, state.sess.Connect(ctx, port)
	})
	if err := waitFor("Connecting to "+port, out); err != nil {
		return err
	}

	fmt.Printf("Connected to %s\n", state.sess.Port())
	return handleShowParams(ctx, state)
}

func selectPort(state *appState) (string, error) {
	ports, err := state.sess.Ports()
	if err != nil || len(ports) == 0 {
		if state.cfg.Serial.Port == "" {
			return "", link.ErrNoPorts
		}
		return state.cfg.Serial.Port, nil
	}

	items := make([]string, len(ports))
	cursor := 0
	for i, p := range ports {
		items[i] = p.String()
		if p.Name == state.cfg.Serial.Port {
			cursor = i
		}
	}

	prompt := promptui.Select{
		Label:     "Serial port",
		Items:     items,
		CursorPos: cursor,
		Stdin:     state.in.Reader(),
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return ports[idx].Name, nil
}

func handleDisconnect(ctx context.Context, state *appState) error {
	if err := state.sess.Disconnect(); err != nil {
		return err
	}
	fmt.Println("Disconnected")
	return nil
}

func handleShowParams(ctx context.Context, state *appState) error {
	p, ok := state.sess.Params()
	if !ok {
		return experiment.ErrParamsUnknown
	}

	for _, f := range params.Fields {
		fmt.Printf("  %-18s %12s %s\n", f, strconv.FormatFloat(p.Get(f), 'g', 6, 64), f.Unit())
	}
	fmt.Printf("  %-18s %12s s\n", "time constant", strconv.FormatFloat(p.TimeConstant(), 'g', 4, 64))
	fmt.Printf("  %-18s %12s s\n", "capture length", strconv.FormatFloat(p.ExpectedDuration(), 'g', 4, 64))
	return nil
}

func handleSetParam(ctx context.Context, state *appState) error {
	p, ok := state.sess.Params()
	if !ok {
		return experiment.ErrParamsUnknown
	}

	items := make([]string, len(params.Fields))
	for i, f := range params.Fields {
		items[i] = fmt.Sprintf("%s (%s)", f, f.Unit())
	}
	sel := promptui.Select{Label: "Parameter", Items: items, Size: len(items), Stdin: state.in.Reader()}
	idx, _, err := sel.Run()
	if err != nil {
		return err
	}
	field := params.Fields[idx]

	prompt := promptui.Prompt{
		Label:   fmt.Sprintf("%s [%s]", field, field.Unit()),
		Default: strconv.FormatFloat(p.Get(field), 'g', 6, 64),
		Stdin:   state.in.Reader(),
		Validate: func(input string) error {
			v, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
			if err != nil {
				return errors.New("not a number")
			}
			return params.Validate(field, v)
		},
	}
	input, err := prompt.Run()
	if err != nil {
		return err
	}
	v, _ := strconv.ParseFloat(strings.TrimSpace(input), 64)

	out := session.Go(func() (struct{}, error) {
		return struct{}{}, state.sess.SetField(ctx, field, v)
	})
	if err := waitFor("Writing "+field.String(), out); err != nil {
		return err
	}
	return handleShowParams(ctx, state)
}

func handleDischarge(ctx context.Context, state *appState) error {
	return runExperiment(ctx, state, experiment.DischargeOnly)
}

func handleCharge(ctx context.Context, state *appState) error {
	return runExperiment(ctx, state, experiment.ChargeCapture)
}

func handleDischargeExperiment(ctx context.Context, state *appState) error {
	return runExperiment(ctx, state, experiment.DischargeCapture)
}

func handlePulse(ctx context.Context, state *appState) error {
	return runExperiment(ctx, state, experiment.PulseCapture)
}

func handleSaveCSV(ctx context.Context, state *appState) error {
	name, err := promptName(state, "CSV file", "rc-data.csv")
	if err != nil {
		return err
	}
	path, err := state.sess.ExportCSV(name)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s\n", path)
	return nil
}

func handleSavePlot(ctx context.Context, state *appState) error {
	name, err := promptName(state, "Plot file", "rc-plot.html")
	if err != nil {
		return err
	}
	path, err := state.sess.ExportPlot(name)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s\n", path)
	return nil
}

func handleHistory(ctx context.Context, state *appState) error {
	items := make([]string, 0, len(experiment.Kinds))
	kinds := make([]experiment.Kind, 0, len(experiment.Kinds))
	for _, k := range experiment.Kinds {
		if k.Captures() {
			items = append(items, k.String())
			kinds = append(kinds, k)
		}
	}
	sel := promptui.Select{Label: "Experiment", Items: items, Stdin: state.in.Reader()}
	idx, _, err := sel.Run()
	if err != nil {
		return err
	}
	kind := kinds[idx]

	runs, err := state.sess.History(kind)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No archived runs")
		return nil
	}

	items = []string{"Back"}
	for _, r := range runs {
		items = append(items, fmt.Sprintf("%s  %5d samples  %s", r.StartedAt.Format(time.DateTime), len(r.Samples), summary(r)))
	}
	pick := promptui.Select{Label: "Select a run to delete", Items: items, Stdin: state.in.Reader()}
	idx, _, err = pick.Run()
	if err != nil || idx == 0 {
		return err
	}
	r := runs[idx-1]

	confirm := promptui.Prompt{
		Label:     fmt.Sprintf("Delete run %s", r.ID),
		IsConfirm: true,
		Stdin:     state.in.Reader(),
	}
	if _, err := confirm.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return nil
		}
		return err
	}
	if err := state.sess.DeleteRun(kind, r.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", r.ID)
	return nil
}

func promptName(state *appState, label, def string) (string, error) {
	prompt := promptui.Prompt{
		Label:   label,
		Default: def,
		Stdin:   state.in.Reader(),
		Validate: func(input string) error {
			if strings.TrimSpace(input) == "" {
				return errors.New("file name required")
			}
			return nil
		},
	}
	name, err := prompt.Run()
	return strings.TrimSpace(name), err
}

// waitFor blocks on a future, printing a dot every half second.
func waitFor[T any](label string, out <-chan session.Outcome[T]) error {
	fmt.Print(label)
	defer fmt.Println()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case res := <-out:
			return res.Err
		case <-ticker.C:
			fmt.Print(".")
		}
	}
}

// describe renders typed errors for the user.
func describe(err error) string {
	var (
		connErr  *link.ConnectError
		valErr   *params.ValidationError
		fetchErr *params.PartialFetchError
		acqErr   *experiment.AcquisitionError
	)
	switch {
	case errors.As(err, &valErr):
		return fmt.Sprintf("Invalid value: %v", valErr)
	case errors.As(err, &connErr):
		switch {
		case errors.Is(connErr, link.ErrNoPorts):
			return "No serial port available. Plug in the board or pass -p."
		case errors.Is(connErr, link.ErrNoResponse):
			return fmt.Sprintf("No response from %s after %d attempts. Is the experiment firmware loaded?", connErr.Port, connErr.Attempts)
		default:
			return fmt.Sprintf("Could not open %s: %v", connErr.Port, connErr.Err)
		}
	case errors.Is(err, link.ErrNoPorts):
		return "No serial port available. Plug in the board or pass -p."
	case errors.As(err, &fetchErr):
		return fmt.Sprintf("Could not read parameters from the device: %v", fetchErr)
	case errors.As(err, &acqErr):
		return fmt.Sprintf("Experiment aborted: %v. Partial data kept for export.", acqErr.Err)
	case errors.Is(err, link.ErrNotConnected):
		return "Not connected."
	case errors.Is(err, session.ErrBusy):
		return "The device is busy."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
