package params

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/itohio/rcexp/pkg/config"
	"github.com/itohio/rcexp/pkg/link"
)

// ErrNotAcknowledged is returned when the device does not confirm a parameter write.
var ErrNotAcknowledged = errors.New("parameter write not acknowledged")

// Device is the part of the link used by the store.
type Device interface {
	GetParameter(code string, kind link.NumberKind) (float64, error)
	SetParameter(cmd string) bool
}

// PartialFetchError is returned when some parameters could not be fetched
// after all attempts. Params holds whatever the last attempt obtained.
type PartialFetchError struct {
	Params  DeviceParameters
	Missing []Field
	Err     error
}

func (e *PartialFetchError) Error() string {
	names := make([]string, len(e.Missing))
	for i, f := range e.Missing {
		names[i] = f.String()
	}
	return fmt.Sprintf("failed to fetch %s: %v", strings.Join(names, ", "), e.Err)
}

func (e *PartialFetchError) Unwrap() error {
	return e.Err
}

// Store keeps the authoritative host-side copy of the device parameters.
type Store struct {
	dev Device
	cfg config.ParametersConfig

	mu       sync.RWMutex
	params   DeviceParameters
	valid    bool
	onUpdate []func(DeviceParameters)
}

// New creates a store with no known parameters.
func New(dev Device, cfg config.ParametersConfig) *Store {
	def := config.Default().Parameters
	if cfg.RefreshAttempts < 1 {
		cfg.RefreshAttempts = def.RefreshAttempts
	}
	if cfg.RefreshBackoff < 0 {
		cfg.RefreshBackoff = def.RefreshBackoff
	}

	return &Store{
		dev: dev,
		cfg: cfg,
	}
}

// Params returns the last complete set of parameters and whether one exists.
func (s *Store) Params() (DeviceParameters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params, s.valid
}

// Invalidate forgets the known parameters, e.g. after a disconnect.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.params = DeviceParameters{}
	s.valid = false
	s.mu.Unlock()
}

// OnUpdate registers a callback invoked after every complete refresh.
func (s *Store) OnUpdate(cb func(DeviceParameters)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = append(s.onUpdate, cb)
}

// RefreshAll fetches every parameter, retrying the whole batch on failure.
// The stored copy is replaced only when all fields were fetched.
func (s *Store) RefreshAll(ctx context.Context) (DeviceParameters, error) {
	var (
		p       DeviceParameters
		missing []Field
		lastErr error
	)

	for attempt := 1; attempt <= s.cfg.RefreshAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return p, &PartialFetchError{Params: p, Missing: missing, Err: ctx.Err()}
			case <-time.After(s.cfg.RefreshBackoff):
			}
		}

		p, missing, lastErr = s.fetch()
		if len(missing) == 0 {
			s.commit(p)
			return p, nil
		}

		log.Printf("Parameter refresh attempt %d/%d missing %d field(s): %v", attempt, s.cfg.RefreshAttempts, len(missing), lastErr)
		if errors.Is(lastErr, link.ErrNotConnected) || errors.Is(lastErr, link.ErrLinkLost) {
			break
		}
	}

	return p, &PartialFetchError{Params: p, Missing: missing, Err: lastErr}
}

func (s *Store) fetch() (DeviceParameters, []Field, error) {
	var (
		p       DeviceParameters
		missing []Field
		lastErr error
	)

	for _, f := range Fields {
		spec := specs[f]
		v, err := s.dev.GetParameter(spec.query, spec.kind)
		if err != nil {
			missing = append(missing, f)
			lastErr = err
			continue
		}
		p.set(f, v)
	}

	return p, missing, lastErr
}

func (s *Store) commit(p DeviceParameters) {
	s.mu.Lock()
	s.params = p
	s.valid = true
	callbacks := make([]func(DeviceParameters), len(s.onUpdate))
	copy(callbacks, s.onUpdate)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(p)
	}
}

// SetField validates and writes one parameter, then re-fetches all of them.
// Capacitance is given in uF.
func (s *Store) SetField(ctx context.Context, f Field, v float64) error {
	cmd, err := Command(f, v)
	if err != nil {
		return err
	}

	if !s.dev.SetParameter(cmd) {
		return fmt.Errorf("failed to set %s: %w", f, ErrNotAcknowledged)
	}

	if _, err := s.RefreshAll(ctx); err != nil {
		return fmt.Errorf("failed to refresh after setting %s: %w", f, err)
	}
	return nil
}
