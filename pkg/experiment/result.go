package experiment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/itohio/rcexp/pkg/fit"
	"github.com/itohio/rcexp/pkg/params"
	"github.com/itohio/rcexp/pkg/sample"
)

var (
	// ErrRunActive is returned by Start while another run is in progress.
	ErrRunActive = errors.New("an experiment is already running")
	// ErrParamsUnknown is returned by Start before device parameters were fetched.
	ErrParamsUnknown = errors.New("device parameters are unknown")
	// ErrDeviceSilent is returned when too many consecutive reads time out.
	ErrDeviceSilent = errors.New("device stopped sending frames")
)

// Result is the outcome of one run.
type Result struct {
	ID         uuid.UUID               `json:"id"`
	Kind       Kind                    `json:"kind"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Params     params.DeviceParameters `json:"params"`
	Samples    []sample.Sample         `json:"samples"`
	Fit        *fit.Result             `json:"fit,omitempty"`
	FitErr     error                   `json:"-"`
	FitError   string                  `json:"fit_error,omitempty"`
	Pulse      *sample.Stats           `json:"pulse,omitempty"`
	Cancelled  bool                    `json:"cancelled"`
	Forced     bool                    `json:"forced"`
	Failed     string                  `json:"failed,omitempty"`
}

// Duration returns the wall time the run took.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// AcquisitionError reports a run that failed mid-stream. Result carries the
// samples collected before the failure.
type AcquisitionError struct {
	Result *Result
	Err    error
}

func (e *AcquisitionError) Error() string {
	n := 0
	if e.Result != nil {
		n = len(e.Result.Samples)
	}
	return fmt.Sprintf("acquisition failed after %d samples: %v", n, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
