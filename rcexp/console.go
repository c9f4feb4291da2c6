package main

import (
	"bytes"
	"io"
	"sync"
)

// console shares stdin between prompts and the pulse stop key. One goroutine
// reads the terminal and hands input to the most recent consumer only, so a
// reader left behind by a finished prompt or an abandoned wait for Enter
// cannot swallow keys meant for the next one.
type console struct {
	data chan []byte

	mu      sync.Mutex
	buf     []byte
	retired chan struct{}
}

func newConsole(r io.Reader) *console {
	c := &console{
		data:    make(chan []byte),
		retired: make(chan struct{}),
	}
	go c.pump(r)
	return c
}

func (c *console) pump(r io.Reader) {
	for {
		b := make([]byte, 256)
		n, err := r.Read(b)
		if n > 0 {
			c.data <- b[:n]
		}
		if err != nil {
			close(c.data)
			return
		}
	}
}

// Reader returns stdin for one prompt. Earlier readers get io.EOF from now on.
func (c *console) Reader() io.ReadCloser {
	return &consoleReader{c: c, retired: c.takeOver()}
}

// waitEnter discards input until a line ends. It returns false if done is
// closed first, leaving later input for the next reader.
func (c *console) waitEnter(done <-chan struct{}) bool {
	retired := c.takeOver()
	for {
		b, err := c.next(retired, done)
		if err != nil {
			return false
		}
		if i := bytes.IndexAny(b, "\r\n"); i >= 0 {
			c.unread(b[i+1:])
			return true
		}
	}
}

func (c *console) takeOver() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.retired)
	c.retired = make(chan struct{})
	return c.retired
}

// next returns buffered input or waits for the next chunk. Input that arrives
// after retired or done is closed is put back.
func (c *console) next(retired, done <-chan struct{}) ([]byte, error) {
	c.mu.Lock()
	select {
	case <-retired:
		c.mu.Unlock()
		return nil, io.EOF
	default:
	}
	if len(c.buf) > 0 {
		b := c.buf
		c.buf = nil
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	select {
	case b, ok := <-c.data:
		if !ok {
			return nil, io.EOF
		}
		select {
		case <-retired:
		case <-done:
		default:
			return b, nil
		}
		c.unread(b)
		return nil, io.EOF
	case <-retired:
		return nil, io.EOF
	case <-done:
		return nil, io.EOF
	}
}

func (c *console) unread(b []byte) {
	if len(b) == 0 {
		return
	}
	c.mu.Lock()
	c.buf = append(b[:len(b):len(b)], c.buf...)
	c.mu.Unlock()
}

type consoleReader struct {
	c       *console
	retired <-chan struct{}
}

func (r *consoleReader) Read(p []byte) (int, error) {
	b, err := r.c.next(r.retired, nil)
	if err != nil {
		return 0, err
	}
	n := copy(p, b)
	r.c.unread(b[n:])
	return n, nil
}

// Close leaves stdin open for the next prompt.
func (r *consoleReader) Close() error {
	return nil
}
