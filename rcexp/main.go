package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/manifoldco/promptui"

	"github.com/itohio/rcexp/pkg/archive"
	"github.com/itohio/rcexp/pkg/config"
	"github.com/itohio/rcexp/pkg/link"
	"github.com/itohio/rcexp/pkg/session"
	"github.com/itohio/rcexp/pkg/telemetry"
)

func main() {
	var (
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		portFlag   = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		mockFlag   = flag.Bool("mock", false, "Use simulated device instead of serial port")
		envFlag    = flag.String("env", ".env", "Environment file with RCEXP_* overrides")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	config.ApplyEnv(cfg, *envFlag)

	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opts []session.Option

	if cfg.Storage.Archive {
		arc, err := archive.Open(cfg.Storage.ArchiveDir)
		if err != nil {
			log.Printf("Archive disabled: %v", err)
		} else {
			opts = append(opts, session.WithArchive(arc))
		}
	}

	if cfg.Telemetry.Enabled {
		client, err := telemetry.Dial(cfg.Telemetry)
		if err != nil {
			log.Printf("Telemetry disabled: %v", err)
		} else {
			defer client.Disconnect(250)
			pub := telemetry.NewPublisher(client, cfg.Telemetry, 0)
			go pub.Start(ctx)
			opts = append(opts, session.WithTelemetry(pub))
		}
	}

	var opener link.Opener
	if *mockFlag {
		opener = link.NewMock(&cfg.Mock).Open
		cfg.Serial.Port = "mock"
		opts = append(opts, session.WithPorts(func() ([]link.PortInfo, error) {
			return []link.PortInfo{{Name: "mock", Product: "simulated RC circuit"}}, nil
		}))
	}

	state := &appState{
		cfg:  cfg,
		sess: session.New(cfg, opener, opts...),
		in:   newConsole(os.Stdin),
	}
	defer state.sess.Disconnect()

	if err := state.run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}

// appState holds the interactive session.
type appState struct {
	cfg  *config.Config
	sess *session.Session
	in   *console
}

type menuItem struct {
	label  string
	action func(ctx context.Context, state *appState) error
}

var menu = []menuItem{
	{label: "Connect", action: handleConnect},
	{label: "Show parameters", action: handleShowParams},
	{label: "Set parameter", action: handleSetParam},
	{label: "Discharge capacitor", action: handleDischarge},
	{label: "Charge experiment", action: handleCharge},
	{label: "Discharge experiment", action: handleDischargeExperiment},
	{label: "Pulse experiment", action: handlePulse},
	{label: "Save CSV", action: handleSaveCSV},
	{label: "Save plot", action: handleSavePlot},
	{label: "History", action: handleHistory},
	{label: "Disconnect", action: handleDisconnect},
	{label: "Quit"},
}

func (s *appState) run(ctx context.Context) error {
	labels := make([]string, len(menu))
	for i, item := range menu {
		labels[i] = item.label
	}

	for {
		prompt := promptui.Select{
			Label: s.status(),
			Items: labels,
			Size:  len(labels),
			Stdin: s.in.Reader(),
		}
		idx, _, err := prompt.Run()
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("prompt failed: %w", err)
		}

		item := menu[idx]
		if item.action == nil {
			return nil
		}

		actionCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err = item.action(actionCtx, s)
		stop()

		if err != nil && !errors.Is(err, promptui.ErrInterrupt) && !errors.Is(err, promptui.ErrAbort) {
			fmt.Println(describe(err))
		}
	}
}

func (s *appState) status() string {
	if !s.sess.Connected() {
		return fmt.Sprintf("rcexp [%s]", s.sess.LinkState())
	}
	return fmt.Sprintf("rcexp [%s, %s]", s.sess.Port(), s.sess.State())
}
