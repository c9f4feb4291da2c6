package link

import (
	"sync"
	"time"
)

// Sent is a command received by a Script, with its arrival time.
type Sent struct {
	Cmd string
	At  time.Time
}

// Script is an Opener for tests: every open yields an in-memory port that
// records commands and answers them with canned replies.
type Script struct {
	delim byte
	reply func(cmd string) []string

	mu    sync.Mutex
	sent  []Sent
	port  *pipe
	opens int
}

// NewScript creates a scripted device. reply may be nil for a silent device.
func NewScript(delim byte, reply func(cmd string) []string) *Script {
	return &Script{
		delim: delim,
		reply: reply,
	}
}

// Open implements Opener.
func (s *Script) Open(name string, baudRate int) (Port, error) {
	p := newPipe(s.delim, s.handle)

	s.mu.Lock()
	s.port = p
	s.opens++
	s.mu.Unlock()

	return p, nil
}

func (s *Script) handle(cmd string) {
	s.mu.Lock()
	s.sent = append(s.sent, Sent{Cmd: cmd, At: time.Now()})
	p := s.port
	s.mu.Unlock()

	if s.reply != nil && p != nil {
		p.emit(s.reply(cmd)...)
	}
}

// Emit pushes unsolicited tokens to the host on the current port.
func (s *Script) Emit(tokens ...string) {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()

	if p != nil {
		p.emit(tokens...)
	}
}

// Sent returns every command received so far.
func (s *Script) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Commands returns the received commands without timestamps.
func (s *Script) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmds := make([]string, len(s.sent))
	for i, sent := range s.sent {
		cmds[i] = sent.Cmd
	}
	return cmds
}

// Closed reports whether the most recently opened port was closed.
func (s *Script) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil && s.port.isClosed()
}

// Opens returns how many times the script was opened.
func (s *Script) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}
