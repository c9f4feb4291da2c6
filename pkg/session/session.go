// Package session owns the device link, its parameters and the experiment
// coordinator for one interactive user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/itohio/rcexp/pkg/archive"
	"github.com/itohio/rcexp/pkg/config"
	"github.com/itohio/rcexp/pkg/experiment"
	"github.com/itohio/rcexp/pkg/export"
	"github.com/itohio/rcexp/pkg/link"
	"github.com/itohio/rcexp/pkg/params"
	"github.com/itohio/rcexp/pkg/telemetry"
)

// ResetCommand returns the device to its idle state after connecting.
const ResetCommand = "z"

var (
	// ErrBusy is returned for operations that need the link while another
	// operation or a run owns it.
	ErrBusy = errors.New("device is busy")
	// ErrNoResult is returned when exporting before any capture finished.
	ErrNoResult = errors.New("no experiment result available")
	// ErrNoArchive is returned by History when archiving is disabled.
	ErrNoArchive = errors.New("run archive is disabled")
)

// Option configures a Session.
type Option func(*Session)

// WithArchive stores every finished capture in a.
func WithArchive(a *archive.Archive) Option {
	return func(s *Session) {
		s.archive = a
	}
}

// WithTelemetry mirrors run events through p. The caller runs p.Start.
func WithTelemetry(p *telemetry.Publisher) Option {
	return func(s *Session) {
		s.telemetry = p
	}
}

// WithPorts replaces serial port enumeration.
func WithPorts(ports func() ([]link.PortInfo, error)) Option {
	return func(s *Session) {
		s.ports = ports
	}
}

// Session ties together the link, the parameter store and the coordinator.
type Session struct {
	cfg   *config.Config
	link  *link.Link
	store *params.Store
	coord *experiment.Coordinator

	archive   *archive.Archive
	telemetry *telemetry.Publisher
	ports     func() ([]link.PortInfo, error)

	mu   sync.Mutex
	busy bool
}

// New creates a disconnected session. A nil opener uses hardware serial ports.
func New(cfg *config.Config, open link.Opener, opts ...Option) *Session {
	if cfg == nil {
		cfg = config.Default()
	}

	l := link.New(cfg.Serial, open)
	store := params.New(l, cfg.Parameters)
	s := &Session{
		cfg:   cfg,
		link:  l,
		store: store,
		coord: experiment.New(l, store, cfg.Experiment),
		ports: link.Ports,
	}
	for _, opt := range opts {
		opt(s)
	}

	// A run holds the session from Start until its Done event.
	s.coord.OnEvent(func(ev experiment.Event) {
		if ev.Type == experiment.Done {
			s.release()
		}
	})
	if s.archive != nil {
		s.coord.OnEvent(s.archive.Observe)
	}
	if s.telemetry != nil {
		s.coord.OnEvent(s.telemetry.Observe)
	}
	return s
}

// Ports lists serial ports available on the host.
func (s *Session) Ports() ([]link.PortInfo, error) {
	return s.ports()
}

// Connect opens port, fetches the device parameters and resets the device.
// An empty port selects the first enumerated one.
func (s *Session) Connect(ctx context.Context, port string) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	if port == "" {
		ports, err := s.ports()
		if err != nil {
			return fmt.Errorf("%w: %v", link.ErrNoPorts, err)
		}
		if len(ports) == 0 {
			return link.ErrNoPorts
		}
		port = ports[0].Name
		log.Printf("No port given, using %s", port)
	}

	if err := s.link.Connect(ctx, port); err != nil {
		return err
	}

	_, fetchErr := s.store.RefreshAll(ctx)

	// The device is reset even when some parameters could not be read.
	resetErr := s.link.SendCommand(ResetCommand)
	if resetErr != nil {
		resetErr = fmt.Errorf("failed to reset device: %w", resetErr)
	}

	if fetchErr != nil {
		fetchErr = fmt.Errorf("connected to %s but failed to read parameters: %w", port, fetchErr)
		return errors.Join(fetchErr, resetErr)
	}
	return resetErr
}

// Disconnect cancels any run, waits for it to finish and closes the link.
// It is safe to call at any time.
func (s *Session) Disconnect() error {
	if run, ok := s.coord.Active(); ok {
		run.Cancel()
		<-run.Done()
	}

	s.store.Invalidate()
	return s.link.Disconnect()
}

// Connected reports whether the link is up.
func (s *Session) Connected() bool {
	return s.link.IsConnected()
}

// Port returns the connected port name.
func (s *Session) Port() string {
	return s.link.Port()
}

// LinkState returns the connection state.
func (s *Session) LinkState() link.ConnectionState {
	return s.link.State()
}

// State returns the coordinator state.
func (s *Session) State() experiment.State {
	return s.coord.State()
}

// Params returns the last fetched device parameters.
func (s *Session) Params() (params.DeviceParameters, bool) {
	return s.store.Params()
}

// Refresh re-reads every parameter from the device.
func (s *Session) Refresh(ctx context.Context) (params.DeviceParameters, error) {
	if err := s.acquire(); err != nil {
		return params.DeviceParameters{}, err
	}
	defer s.release()
	return s.store.RefreshAll(ctx)
}

// SetField writes one parameter. Capacitance is given in uF.
func (s *Session) SetField(ctx context.Context, f params.Field, v float64) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()
	return s.store.SetField(ctx, f, v)
}

// Start begins an experiment. Cancelling ctx cancels the run.
// The session stays busy until the run finishes.
func (s *Session) Start(ctx context.Context, kind experiment.Kind) (*experiment.Run, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	if !s.link.IsConnected() {
		s.release()
		return nil, link.ErrNotConnected
	}

	run, err := s.coord.Start(ctx, kind)
	if err != nil {
		s.release()
		return nil, err
	}
	return run, nil
}

// Cancel stops the active run. It reports whether one was active.
func (s *Session) Cancel() bool {
	return s.coord.Cancel()
}

// OnEvent registers an observer for every run event.
func (s *Session) OnEvent(cb func(experiment.Event)) {
	s.coord.OnEvent(cb)
}

// Last returns the most recent capture result.
func (s *Session) Last() (*experiment.Result, bool) {
	return s.coord.Last()
}

// ExportCSV saves the last result. Relative paths are placed in the export directory.
func (s *Session) ExportCSV(path string) (string, error) {
	res, ok := s.coord.Last()
	if !ok {
		return "", ErrNoResult
	}
	return export.SaveCSV(s.exportPath(path), res)
}

// ExportPlot saves an HTML plot of the last result.
func (s *Session) ExportPlot(path string) (string, error) {
	res, ok := s.coord.Last()
	if !ok {
		return "", ErrNoResult
	}
	return export.SavePlot(s.exportPath(path), res)
}

// History lists archived runs of kind, oldest first.
func (s *Session) History(kind experiment.Kind) ([]*experiment.Result, error) {
	if s.archive == nil {
		return nil, ErrNoArchive
	}
	return s.archive.List(kind)
}

// DeleteRun removes an archived run.
func (s *Session) DeleteRun(kind experiment.Kind, id uuid.UUID) error {
	if s.archive == nil {
		return ErrNoArchive
	}
	return s.archive.Delete(kind, id)
}

// acquire marks the session busy for one link operation.
func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	return nil
}

func (s *Session) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func (s *Session) exportPath(path string) string {
	if filepath.IsAbs(path) || s.cfg.Storage.ExportDir == "" {
		return path
	}
	return filepath.Join(s.cfg.Storage.ExportDir, path)
}
