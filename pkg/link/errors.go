package link

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no complete frame arrives within the configured timeout.
	ErrTimeout = errors.New("timed out waiting for response")
	// ErrNotConnected is returned by I/O operations on a link that is not connected.
	ErrNotConnected = errors.New("not connected")
	// ErrLinkLost is returned when the transport fails mid-operation.
	ErrLinkLost = errors.New("link lost")
	// ErrNoPorts is returned when no serial port is available to connect to.
	ErrNoPorts = errors.New("no serial ports available")
	// ErrOpenFailed is returned when the transport cannot be opened.
	ErrOpenFailed = errors.New("failed to open port")
	// ErrNoResponse is returned when the device never answers liveness probes.
	ErrNoResponse = errors.New("device did not respond")
	// ErrAlreadyConnected is returned by Connect on a connected link.
	ErrAlreadyConnected = errors.New("already connected")
)

// ProtocolError reports a malformed or missing response.
type ProtocolError struct {
	Op    string
	Token string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: bad response %q: %v", e.Op, e.Token, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ConnectError reports a failed connection attempt. Reason is one of
// ErrNoPorts, ErrOpenFailed or ErrNoResponse; Err is the underlying cause if any.
type ConnectError struct {
	Port     string
	Attempts int
	Reason   error
	Err      error
}

func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("connect: %v", e.Reason)
	if e.Port != "" {
		msg = fmt.Sprintf("connect %s: %v", e.Port, e.Reason)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Reason != nil {
		errs = append(errs, e.Reason)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
