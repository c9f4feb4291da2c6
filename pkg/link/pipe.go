package link

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

// pipe is an in-memory Port. Commands written by the host are split on the
// delimiter and handed to handle; the device side queues replies with emit.
type pipe struct {
	delim  byte
	handle func(cmd string)

	mu      sync.Mutex
	rx      []byte // device -> host
	tx      []byte // partial host command
	timeout time.Duration

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

var _ Port = (*pipe)(nil)

func newPipe(delim byte, handle func(cmd string)) *pipe {
	return &pipe{
		delim:   delim,
		handle:  handle,
		timeout: 50 * time.Millisecond,
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if len(p.rx) > 0 {
			n := copy(b, p.rx)
			p.rx = p.rx[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.closed:
			return 0, io.EOF
		case <-p.notify:
		case <-timer.C:
			return 0, nil
		}
	}
}

func (p *pipe) Write(b []byte) (int, error) {
	if p.isClosed() {
		return 0, io.ErrClosedPipe
	}

	p.mu.Lock()
	p.tx = append(p.tx, b...)
	var cmds []string
	for {
		i := bytes.IndexByte(p.tx, p.delim)
		if i < 0 {
			break
		}
		cmd := strings.TrimSpace(string(p.tx[:i]))
		p.tx = p.tx[i+1:]
		if cmd != "" {
			cmds = append(cmds, cmd)
		}
	}
	p.mu.Unlock()

	if p.handle != nil {
		for _, cmd := range cmds {
			p.handle(cmd)
		}
	}
	return len(b), nil
}

func (p *pipe) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *pipe) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = p.rx[:0]
	return nil
}

func (p *pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	return nil
}

func (p *pipe) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// emit queues delimiter-terminated tokens for the host.
func (p *pipe) emit(tokens ...string) {
	if len(tokens) == 0 || p.isClosed() {
		return
	}

	p.mu.Lock()
	for _, t := range tokens {
		p.rx = append(p.rx, t...)
		p.rx = append(p.rx, p.delim)
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}
