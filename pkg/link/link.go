package link

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/rcexp/pkg/config"
)

const (
	// ProbeCommand asks the device for its pin state; any integer reply proves liveness.
	ProbeCommand = "e"
	// AckToken acknowledges a parameter write.
	AckToken = "ok"
)

// NumberKind selects how a parameter query reply is parsed.
type NumberKind int

const (
	Float NumberKind = iota
	Int
)

// ConnectionState is the lifecycle state of a Link.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Link owns one serial transport and the framed request/response protocol on it.
// I/O methods are serialized; callers should still keep a single owner while
// a response stream is being consumed.
type Link struct {
	cfg  config.SerialConfig
	open Opener

	mu     sync.RWMutex
	state  ConnectionState
	name   string
	port   Port
	reader *frameReader

	io sync.Mutex
}

// New creates a disconnected Link. A nil opener uses OpenSerial.
func New(cfg config.SerialConfig, open Opener) *Link {
	def := config.Default().Serial
	if cfg.BaudRate == 0 {
		cfg.BaudRate = def.BaudRate
	}
	if len(cfg.Delimiter) != 1 {
		cfg.Delimiter = def.Delimiter
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.ProbeAttempts == 0 {
		cfg.ProbeAttempts = def.ProbeAttempts
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if open == nil {
		open = OpenSerial
	}

	return &Link{
		cfg:   cfg,
		open:  open,
		state: Disconnected,
	}
}

// State returns the current connection state.
func (l *Link) State() ConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Port returns the name of the connected port.
func (l *Link) Port() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.name
}

// IsConnected returns whether the link is currently connected.
func (l *Link) IsConnected() bool {
	return l.State() == Connected
}

// Connect opens the port and probes the device until it answers.
func (l *Link) Connect(ctx context.Context, name string) error {
	if name == "" {
		return &ConnectError{Reason: ErrNoPorts}
	}

	l.mu.Lock()
	if l.state == Connected || l.state == Connecting {
		l.mu.Unlock()
		return ErrAlreadyConnected
	}
	l.state = Connecting
	l.mu.Unlock()

	port, err := l.open(name, l.cfg.BaudRate)
	if err != nil {
		l.setState(Failed)
		return &ConnectError{Port: name, Reason: ErrOpenFailed, Err: err}
	}
	if err := port.SetReadTimeout(l.cfg.ReadTimeout); err != nil {
		l.closePort(port)
		l.setState(Failed)
		return &ConnectError{Port: name, Reason: ErrOpenFailed, Err: err}
	}

	reader := newFrameReader(port, l.cfg.DelimiterByte())

	l.io.Lock()
	attempts, err := l.probeLoop(ctx, port, reader)
	l.io.Unlock()
	if err != nil {
		l.closePort(port)
		l.setState(Failed)
		return &ConnectError{Port: name, Attempts: attempts, Reason: ErrNoResponse, Err: err}
	}

	l.mu.Lock()
	l.port = port
	l.reader = reader
	l.name = name
	l.state = Connected
	l.mu.Unlock()

	log.Printf("Connected to %s after %d probe(s)", name, attempts)
	return nil
}

func (l *Link) probeLoop(ctx context.Context, port Port, reader *frameReader) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.ProbeAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return attempt - 1, ctx.Err()
			case <-time.After(l.cfg.ProbeInterval):
			}
		}

		lastErr = l.probe(port, reader)
		if lastErr == nil {
			return attempt, nil
		}
		if errors.Is(lastErr, ErrLinkLost) {
			return attempt, lastErr
		}
	}
	return l.cfg.ProbeAttempts, lastErr
}

func (l *Link) probe(port Port, reader *frameReader) error {
	reader.purge()
	if err := l.write(port, ProbeCommand); err != nil {
		return err
	}
	token, err := reader.next(l.cfg.Timeout)
	if err != nil {
		return err
	}
	if _, err := strconv.Atoi(token); err != nil {
		return &ProtocolError{Op: "probe", Token: token, Err: err}
	}
	return nil
}

// Disconnect closes the transport. It is safe to call at any time.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	port, name := l.port, l.name
	l.port = nil
	l.reader = nil
	l.state = Disconnected
	l.mu.Unlock()

	if port != nil {
		l.closePort(port)
		log.Printf("Disconnected from %s", name)
	}
	return nil
}

// Ping performs one liveness probe. A failed probe marks a connected link as Failed.
func (l *Link) Ping() bool {
	port, reader, err := l.conn()
	if err != nil {
		return false
	}

	l.io.Lock()
	err = l.probe(port, reader)
	l.io.Unlock()
	if err != nil {
		log.Printf("Liveness probe failed: %v", err)
		l.mu.Lock()
		if l.state == Connected {
			l.state = Failed
		}
		l.mu.Unlock()
		return false
	}
	return true
}

// SendCommand writes a single command terminated by the delimiter.
func (l *Link) SendCommand(cmd string) error {
	port, _, err := l.conn()
	if err != nil {
		return err
	}

	l.io.Lock()
	defer l.io.Unlock()
	return l.fail(l.write(port, cmd))
}

// SetParameter writes a "code;value" command and waits for the acknowledgement.
func (l *Link) SetParameter(cmd string) bool {
	port, reader, err := l.conn()
	if err != nil {
		log.Printf("Failed to set %q: %v", cmd, err)
		return false
	}

	l.io.Lock()
	defer l.io.Unlock()

	reader.purge()
	if err := l.write(port, cmd); err != nil {
		log.Printf("Failed to set %q: %v", cmd, err)
		return false
	}
	token, err := reader.next(l.cfg.Timeout)
	if err != nil {
		log.Printf("Failed to set %q: %v", cmd, err)
		return false
	}
	if token != AckToken {
		log.Printf("Failed to set %q: unexpected reply %q", cmd, token)
		return false
	}
	return true
}

// GetParameter queries a single-character code and parses the reply.
func (l *Link) GetParameter(code string, kind NumberKind) (float64, error) {
	port, reader, err := l.conn()
	if err != nil {
		return 0, err
	}

	l.io.Lock()
	defer l.io.Unlock()

	op := "query " + code
	reader.purge()
	if err := l.write(port, code); err != nil {
		return 0, l.fail(err)
	}
	token, err := reader.next(l.cfg.Timeout)
	if err != nil {
		return 0, &ProtocolError{Op: op, Err: l.fail(err)}
	}

	return parseNumber(op, token, kind)
}

func parseNumber(op, token string, kind NumberKind) (float64, error) {
	switch kind {
	case Int:
		if n, err := strconv.ParseInt(token, 10, 64); err == nil {
			return float64(n), nil
		}
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return 0, &ProtocolError{Op: op, Token: token, Err: err}
		}
		if v != math.Trunc(v) {
			return 0, &ProtocolError{Op: op, Token: token, Err: errors.New("not an integer")}
		}
		return v, nil
	default:
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return 0, &ProtocolError{Op: op, Token: token, Err: err}
		}
		return v, nil
	}
}

// ReadResponse blocks for one framed response bounded by the configured timeout.
func (l *Link) ReadResponse() (Response, error) {
	_, reader, err := l.conn()
	if err != nil {
		return Response{}, err
	}

	l.io.Lock()
	defer l.io.Unlock()

	token, err := reader.next(l.cfg.Timeout)
	if err != nil {
		return Response{}, l.fail(err)
	}
	return ParseResponse(token)
}

// Responses returns a lazy, single-use sequence of up to n frames (n <= 0 means
// unbounded). The sequence ends after End or a transport failure. Timeouts and
// malformed frames are yielded as errors and the sequence continues.
func (l *Link) Responses(n int) iter.Seq2[Response, error] {
	var used atomic.Bool
	return func(yield func(Response, error) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}

		count := 0
		for n <= 0 || count < n {
			resp, err := l.ReadResponse()
			if err != nil {
				if !yield(Response{}, err) {
					return
				}
				var perr *ProtocolError
				if errors.Is(err, ErrTimeout) || errors.As(err, &perr) {
					continue
				}
				return
			}

			count++
			if !yield(resp, nil) || resp.Kind == End {
				return
			}
		}
	}
}

func (l *Link) conn() (Port, *frameReader, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != Connected || l.port == nil {
		return nil, nil, ErrNotConnected
	}
	return l.port, l.reader, nil
}

func (l *Link) write(port Port, cmd string) error {
	if _, err := port.Write([]byte(cmd + l.cfg.Delimiter)); err != nil {
		return fmt.Errorf("%w: failed to write %q: %v", ErrLinkLost, cmd, err)
	}
	return nil
}

// fail marks a connected link as Failed when err is a transport failure.
func (l *Link) fail(err error) error {
	if errors.Is(err, ErrLinkLost) {
		l.mu.Lock()
		if l.state == Connected {
			l.state = Failed
		}
		l.mu.Unlock()
	}
	return err
}

func (l *Link) setState(s ConnectionState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Link) closePort(port Port) {
	if err := port.Close(); err != nil {
		log.Printf("Error closing serial port: %v", err)
	}
}
