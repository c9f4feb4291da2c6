package params

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/itohio/rcexp/pkg/config"
	"github.com/itohio/rcexp/pkg/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu      sync.Mutex
	values  map[string]float64
	fail    map[string]int // remaining failures per query code
	ack     bool
	sets    []string
	queries int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		values: map[string]float64{
			"k": 5, "g": 2200, "i": 220, "m": 5, "o": 40, "s": 100, "u": 50,
		},
		fail: map[string]int{},
		ack:  true,
	}
}

func (d *fakeDevice) GetParameter(code string, kind link.NumberKind) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries++
	if d.fail[code] > 0 {
		d.fail[code]--
		return 0, &link.ProtocolError{Op: "query " + code, Err: link.ErrTimeout}
	}
	v, ok := d.values[code]
	if !ok {
		return 0, link.ErrTimeout
	}
	return v, nil
}

func (d *fakeDevice) SetParameter(cmd string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sets = append(d.sets, cmd)
	return d.ack
}

func fastConfig() config.ParametersConfig {
	return config.ParametersConfig{RefreshAttempts: 3, RefreshBackoff: time.Millisecond}
}

func TestValidate_Boundaries(t *testing.T) {
	tests := []struct {
		field Field
		value float64
		valid bool
	}{
		{Resistance, 249, false},
		{Resistance, 250, true},
		{Resistance, 251, true},
		{PulseDuration, 9, false},
		{PulseDuration, 10, true},
		{PulseDuration, 11, true},
		{PulseDuration, 10.5, false},
		{PulseDutyCycle, -1, false},
		{PulseDutyCycle, 0, true},
		{PulseDutyCycle, 100, true},
		{PulseDutyCycle, 101, false},
		{PulseDutyCycle, 50.5, false},
		{DurationFactor, 0, false},
		{DurationFactor, 1, true},
		{DurationFactor, 2.5, false},
		{SamplesPerTC, 0, false},
		{SamplesPerTC, 40, true},
		{Capacitance, 0, false},
		{Capacitance, 0.1, true},
		{SupplyVoltage, 0, false},
		{SupplyVoltage, 3.3, true},
		{Resistance, math.Inf(1), false},
		{SupplyVoltage, math.NaN(), false},
		{Field(99), 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.field.String(), func(t *testing.T) {
			err := Validate(tt.field, tt.value)
			if tt.valid {
				assert.NoError(t, err, "value %g", tt.value)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr, "value %g", tt.value)
			assert.Equal(t, tt.field, verr.Field)
			assert.NotEmpty(t, verr.Constraint)
		})
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		field Field
		value float64
		want  string
	}{
		{Resistance, 1000, "f;1000.000"},
		{Capacitance, 220, "h;2.200e-04"},
		{SupplyVoltage, 3.3, "j;3.3"},
		{DurationFactor, 5, "l;5"},
		{SamplesPerTC, 40, "n;40"},
		{PulseDuration, 100, "r;100"},
		{PulseDutyCycle, 25, "t;25"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got, err := Command(tt.field, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Command(Resistance, 100)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestParseField(t *testing.T) {
	for _, f := range Fields {
		got, ok := ParseField(f.String())
		assert.True(t, ok)
		assert.Equal(t, f, got)
	}
	_, ok := ParseField("inductance")
	assert.False(t, ok)
}

func TestStore_RefreshAll(t *testing.T) {
	dev := newFakeDevice()
	store := New(dev, fastConfig())

	_, ok := store.Params()
	assert.False(t, ok, "parameters are unknown before the first fetch")

	var updates []DeviceParameters
	store.OnUpdate(func(p DeviceParameters) { updates = append(updates, p) })

	p, err := store.RefreshAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5.0, p.SupplyVoltage)
	assert.Equal(t, 2200.0, p.ResistanceOhms)
	assert.InDelta(t, 220e-6, p.CapacitanceFarads, 1e-12)
	assert.Equal(t, 5, p.DurationFactor)
	assert.Equal(t, 40, p.SamplesPerTC)
	assert.Equal(t, 100, p.PulseDurationMs)
	assert.Equal(t, 50, p.PulseDutyCyclePercent)
	assert.InDelta(t, 0.484, p.TimeConstant(), 1e-9)
	assert.InDelta(t, 2.42, p.ExpectedDuration(), 1e-9)
	assert.InDelta(t, 220, p.Get(Capacitance), 1e-9)

	got, ok := store.Params()
	assert.True(t, ok)
	assert.Equal(t, p, got)
	assert.Len(t, updates, 1)
}

func TestStore_RefreshRetries(t *testing.T) {
	dev := newFakeDevice()
	dev.fail["g"] = 2
	store := New(dev, fastConfig())

	_, err := store.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3*len(Fields), dev.queries, "whole batch is retried")
}

func TestStore_PartialFetch(t *testing.T) {
	dev := newFakeDevice()
	dev.fail["u"] = 10
	store := New(dev, fastConfig())

	_, err := store.RefreshAll(context.Background())

	var perr *PartialFetchError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []Field{PulseDutyCycle}, perr.Missing)
	assert.Equal(t, 2200.0, perr.Params.ResistanceOhms)
	assert.ErrorIs(t, err, link.ErrTimeout)
	assert.Equal(t, 3*len(Fields), dev.queries)

	_, ok := store.Params()
	assert.False(t, ok, "partial results are never committed")
}

func TestStore_RefreshStopsOnTransportFailure(t *testing.T) {
	store := New(failingDevice{err: link.ErrNotConnected}, fastConfig())

	_, err := store.RefreshAll(context.Background())
	assert.ErrorIs(t, err, link.ErrNotConnected)

	var perr *PartialFetchError
	require.ErrorAs(t, err, &perr)
	assert.Len(t, perr.Missing, len(Fields))
}

type failingDevice struct{ err error }

func (d failingDevice) GetParameter(string, link.NumberKind) (float64, error) { return 0, d.err }
func (d failingDevice) SetParameter(string) bool { return false }

func TestStore_SetField(t *testing.T) {
	t.Run("valid value is written and re-fetched", func(t *testing.T) {
		dev := newFakeDevice()
		store := New(dev, fastConfig())

		require.NoError(t, store.SetField(context.Background(), Resistance, 1000))
		assert.Equal(t, []string{"f;1000.000"}, dev.sets)
		_, ok := store.Params()
		assert.True(t, ok)
	})

	t.Run("invalid value is never sent", func(t *testing.T) {
		dev := newFakeDevice()
		store := New(dev, fastConfig())

		err := store.SetField(context.Background(), Resistance, 249)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Empty(t, dev.sets)
		assert.Zero(t, dev.queries)
	})

	t.Run("missing acknowledgement", func(t *testing.T) {
		dev := newFakeDevice()
		dev.ack = false
		store := New(dev, fastConfig())

		err := store.SetField(context.Background(), PulseDuration, 20)
		assert.ErrorIs(t, err, ErrNotAcknowledged)
		assert.Zero(t, dev.queries, "no refresh without acknowledgement")
	})
}

func TestStore_WithMockDevice(t *testing.T) {
	mockCfg := config.Default().Mock
	mock := link.NewMock(&mockCfg)

	serialCfg := config.Default().Serial
	serialCfg.Timeout = 100 * time.Millisecond
	serialCfg.ReadTimeout = 10 * time.Millisecond
	l := link.New(serialCfg, mock.Open)
	require.NoError(t, l.Connect(context.Background(), "mock"))
	defer l.Disconnect()

	store := New(l, fastConfig())
	_, err := store.RefreshAll(context.Background())
	require.NoError(t, err)

	require.NoError(t, store.SetField(context.Background(), Capacitance, 100))
	p, ok := store.Params()
	require.True(t, ok)
	assert.InDelta(t, 100e-6, p.CapacitanceFarads, 1e-12)

	l.Disconnect()
	err = store.SetField(context.Background(), SupplyVoltage, 3.3)
	assert.True(t, errors.Is(err, ErrNotAcknowledged))
}
