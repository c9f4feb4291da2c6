package link

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"
)

// EndToken marks the end of a response stream.
const EndToken = "end"

// ResponseKind classifies a framed response.
type ResponseKind int

const (
	// Value is a numeric frame: "<volts>" or "<micros>,<volts>".
	Value ResponseKind = iota
	// End is the end-of-stream token.
	End
	// Event is a textual frame that carries no sample.
	Event
)

func (k ResponseKind) String() string {
	switch k {
	case Value:
		return "value"
	case End:
		return "end"
	case Event:
		return "event"
	default:
		return fmt.Sprintf("ResponseKind(%d)", int(k))
	}
}

// Response is one parsed frame.
type Response struct {
	Kind   ResponseKind
	Token  string
	Fields []float64
}

// Voltage returns the last numeric field of a Value frame.
func (r Response) Voltage() (float64, bool) {
	if r.Kind != Value || len(r.Fields) == 0 {
		return 0, false
	}
	return r.Fields[len(r.Fields)-1], true
}

// Sample returns the raw device timestamp (µs) and voltage of a "<micros>,<volts>" frame.
func (r Response) Sample() (uint64, float64, bool) {
	if r.Kind != Value || len(r.Fields) != 2 || r.Fields[0] < 0 {
		return 0, 0, false
	}
	return uint64(r.Fields[0]), r.Fields[1], true
}

// ParseResponse parses a single trimmed token.
func ParseResponse(token string) (Response, error) {
	if token == "" {
		return Response{}, &ProtocolError{Op: "parse", Err: errors.New("empty token")}
	}
	if token == EndToken {
		return Response{Kind: End, Token: token}, nil
	}
	if c := token[0]; (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return Response{Kind: Event, Token: token}, nil
	}

	parts := strings.Split(token, ",")
	fields := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Response{}, &ProtocolError{Op: "parse", Token: token, Err: err}
		}
		fields = append(fields, v)
	}

	return Response{Kind: Value, Token: token, Fields: fields}, nil
}

// frameReader splits the byte stream of a port into delimiter-terminated tokens.
type frameReader struct {
	port  Port
	delim byte
	buf   []byte
	chunk []byte
}

func newFrameReader(port Port, delim byte) *frameReader {
	return &frameReader{
		port:  port,
		delim: delim,
		chunk: make([]byte, 256),
	}
}

// next returns the next non-empty token, waiting at most timeout for it.
func (r *frameReader) next(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		for {
			i := bytes.IndexByte(r.buf, r.delim)
			if i < 0 {
				break
			}
			token := strings.TrimSpace(string(r.buf[:i]))
			r.buf = r.buf[i+1:]
			if token != "" {
				return token, nil
			}
		}

		if !time.Now().Before(deadline) {
			return "", ErrTimeout
		}

		n, err := r.port.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrLinkLost
			}
			return "", fmt.Errorf("%w: %v", ErrLinkLost, err)
		}
	}
}

// purge drops buffered input on both sides of the port.
func (r *frameReader) purge() {
	r.buf = r.buf[:0]
	if err := r.port.ResetInputBuffer(); err != nil {
		log.Printf("Failed to reset input buffer: %v", err)
	}
}
