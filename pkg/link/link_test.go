package link

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itohio/rcexp/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.SerialConfig {
	cfg := config.Default().Serial
	cfg.Timeout = 100 * time.Millisecond
	cfg.ReadTimeout = 10 * time.Millisecond
	return cfg
}

// alive answers liveness probes and delegates everything else.
func alive(next func(cmd string) []string) func(cmd string) []string {
	return func(cmd string) []string {
		if cmd == ProbeCommand {
			return []string{"1"}
		}
		if next == nil {
			return nil
		}
		return next(cmd)
	}
}

func connected(t *testing.T, reply func(cmd string) []string) (*Link, *Script) {
	t.Helper()
	script := NewScript('/', alive(reply))
	l := New(testConfig(), script.Open)
	require.NoError(t, l.Connect(context.Background(), "sim"))
	t.Cleanup(func() { l.Disconnect() })
	return l, script
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		kind    ResponseKind
		fields  []float64
		wantErr bool
	}{
		{name: "end token", token: "end", kind: End},
		{name: "event token", token: "charged", kind: Event},
		{name: "priming frame", token: "4.5", kind: Value, fields: []float64{4.5}},
		{name: "sample frame", token: "100,1.0", kind: Value, fields: []float64{100, 1.0}},
		{name: "sample frame with spaces", token: "200, 2.5", kind: Value, fields: []float64{200, 2.5}},
		{name: "negative value", token: "-1", kind: Value, fields: []float64{-1}},
		{name: "garbled number", token: "1.2.3", wantErr: true},
		{name: "garbled field", token: "100,", wantErr: true},
		{name: "empty", token: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse(tt.token)
			if tt.wantErr {
				var perr *ProtocolError
				assert.ErrorAs(t, err, &perr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.fields, got.Fields)
		})
	}
}

func TestResponse_Sample(t *testing.T) {
	r, err := ParseResponse("4294967295,3.3")
	require.NoError(t, err)

	micros, volts, ok := r.Sample()
	assert.True(t, ok)
	assert.Equal(t, uint64(4294967295), micros)
	assert.Equal(t, 3.3, volts)

	r, err = ParseResponse("2.5")
	require.NoError(t, err)
	_, _, ok = r.Sample()
	assert.False(t, ok)
	v, ok := r.Voltage()
	assert.True(t, ok)
	assert.Equal(t, 2.5, v)
}

func TestConnect_NoResponse(t *testing.T) {
	script := NewScript('/', nil)
	l := New(testConfig(), script.Open)

	start := time.Now()
	err := l.Connect(context.Background(), "silent")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResponse)

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 5, cerr.Attempts)
	assert.Equal(t, "silent", cerr.Port)

	sent := script.Sent()
	require.Len(t, sent, 5)
	for i, s := range sent {
		assert.Equal(t, ProbeCommand, s.Cmd)
		if i > 0 {
			assert.GreaterOrEqual(t, s.At.Sub(sent[i-1].At), 150*time.Millisecond)
		}
	}

	assert.Equal(t, Failed, l.State())
	assert.True(t, script.Closed(), "port should be closed after failed connect")
	assert.Less(t, elapsed, 5*time.Second)
}

func TestConnect_RetriesUntilAnswered(t *testing.T) {
	var probes atomic.Int32
	script := NewScript('/', func(cmd string) []string {
		if cmd == ProbeCommand && probes.Add(1) >= 3 {
			return []string{"0"}
		}
		return nil
	})
	l := New(testConfig(), script.Open)

	require.NoError(t, l.Connect(context.Background(), "slow"))
	defer l.Disconnect()

	assert.Equal(t, Connected, l.State())
	assert.Equal(t, "slow", l.Port())
	assert.Len(t, script.Sent(), 3)
}

func TestConnect_Errors(t *testing.T) {
	t.Run("empty port", func(t *testing.T) {
		l := New(testConfig(), NewScript('/', nil).Open)
		err := l.Connect(context.Background(), "")
		assert.ErrorIs(t, err, ErrNoPorts)
		assert.Equal(t, Disconnected, l.State())
	})

	t.Run("open failure", func(t *testing.T) {
		cause := errors.New("permission denied")
		l := New(testConfig(), func(name string, baudRate int) (Port, error) {
			return nil, cause
		})
		err := l.Connect(context.Background(), "/dev/ttyACM0")
		assert.ErrorIs(t, err, ErrOpenFailed)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, Failed, l.State())
	})

	t.Run("already connected", func(t *testing.T) {
		l, _ := connected(t, nil)
		assert.ErrorIs(t, l.Connect(context.Background(), "sim"), ErrAlreadyConnected)
	})

	t.Run("garbled probe reply", func(t *testing.T) {
		cfg := testConfig()
		cfg.ProbeAttempts = 2
		cfg.ProbeInterval = 10 * time.Millisecond
		script := NewScript('/', func(cmd string) []string { return []string{"x1"} })
		l := New(cfg, script.Open)

		err := l.Connect(context.Background(), "sim")
		assert.ErrorIs(t, err, ErrNoResponse)
		var perr *ProtocolError
		assert.ErrorAs(t, err, &perr)
	})
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Run("never connected", func(t *testing.T) {
		l := New(testConfig(), nil)
		assert.NoError(t, l.Disconnect())
		assert.NoError(t, l.Disconnect())
		assert.Equal(t, Disconnected, l.State())
	})

	t.Run("connected", func(t *testing.T) {
		l, script := connected(t, nil)
		assert.NoError(t, l.Disconnect())
		assert.NoError(t, l.Disconnect())
		assert.Equal(t, Disconnected, l.State())
		assert.True(t, script.Closed())

		assert.ErrorIs(t, l.SendCommand("z"), ErrNotConnected)
		_, err := l.GetParameter("k", Float)
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestGetParameter(t *testing.T) {
	l, script := connected(t, func(cmd string) []string {
		switch cmd {
		case "k":
			return []string{"5.00"}
		case "m":
			return []string{"5"}
		case "o":
			return []string{"40.0"}
		case "s":
			return []string{"12.5"}
		case "g":
			return []string{"abc"}
		}
		return nil
	})

	v, err := l.GetParameter("k", Float)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	v, err = l.GetParameter("m", Int)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	v, err = l.GetParameter("o", Int)
	require.NoError(t, err)
	assert.Equal(t, 40.0, v)

	_, err = l.GetParameter("s", Int)
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)

	_, err = l.GetParameter("g", Float)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "abc", perr.Token)

	_, err = l.GetParameter("u", Int)
	assert.ErrorIs(t, err, ErrTimeout)

	t.Run("stale input is purged", func(t *testing.T) {
		script.Emit("9.99")
		v, err := l.GetParameter("k", Float)
		require.NoError(t, err)
		assert.Equal(t, 5.0, v)
	})
}

func TestSetParameter(t *testing.T) {
	l, script := connected(t, func(cmd string) []string {
		switch cmd {
		case "f;1000.000":
			return []string{AckToken}
		case "r;5":
			return []string{"err"}
		}
		return nil
	})

	assert.True(t, l.SetParameter("f;1000.000"))
	assert.False(t, l.SetParameter("r;5"), "wrong acknowledgement")
	assert.False(t, l.SetParameter("t;50"), "no acknowledgement")
	assert.Contains(t, script.Commands(), "f;1000.000")
}

func TestResponses(t *testing.T) {
	l, _ := connected(t, func(cmd string) []string {
		if cmd == "a" {
			return []string{"100,1.0", "1.2.3", "charging", "200,2.0", "end", "300,3.0"}
		}
		return nil
	})

	require.NoError(t, l.SendCommand("a"))

	var kinds []ResponseKind
	var errs []error
	seq := l.Responses(0)
	for resp, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		kinds = append(kinds, resp.Kind)
	}

	assert.Equal(t, []ResponseKind{Value, Event, Value, End}, kinds)
	require.Len(t, errs, 1)
	var perr *ProtocolError
	assert.ErrorAs(t, errs[0], &perr)

	for range seq {
		t.Fatal("sequence must not restart")
	}

	resp, err := l.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, "300,3.0", resp.Token)
}

func TestResponses_Bounded(t *testing.T) {
	l, script := connected(t, nil)
	script.Emit("1", "2", "3")

	count := 0
	for _, err := range l.Responses(2) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestResponses_TimeoutContinues(t *testing.T) {
	l, script := connected(t, nil)

	timeouts := 0
	var got []string
	for resp, err := range l.Responses(0) {
		if errors.Is(err, ErrTimeout) {
			timeouts++
			if timeouts == 1 {
				script.Emit("1.5", "end")
			}
			if timeouts > 5 {
				break
			}
			continue
		}
		require.NoError(t, err)
		got = append(got, resp.Token)
	}

	assert.Equal(t, 1, timeouts)
	assert.Equal(t, []string{"1.5", "end"}, got)
}

func TestLinkLost(t *testing.T) {
	l, script := connected(t, nil)

	script.port.Close()

	_, err := l.ReadResponse()
	assert.ErrorIs(t, err, ErrLinkLost)
	assert.Equal(t, Failed, l.State())

	assert.NoError(t, l.Disconnect())
	assert.Equal(t, Disconnected, l.State())
}

func TestPing(t *testing.T) {
	var silent atomic.Bool
	script := NewScript('/', func(cmd string) []string {
		if cmd == ProbeCommand && !silent.Load() {
			return []string{"1"}
		}
		return nil
	})
	l := New(testConfig(), script.Open)

	assert.False(t, l.Ping(), "ping on a disconnected link")

	require.NoError(t, l.Connect(context.Background(), "sim"))
	defer l.Disconnect()

	assert.True(t, l.Ping())
	assert.Equal(t, Connected, l.State())

	silent.Store(true)
	assert.False(t, l.Ping())
	assert.Equal(t, Failed, l.State())
}
