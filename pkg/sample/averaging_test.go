package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAverage(t *testing.T) {
	tests := []struct {
		name    string
		samples []Sample
		want    Sample
	}{
		{
			name: "empty",
			want: Sample{},
		},
		{
			name:    "single sample",
			samples: []Sample{{Time: 1, Voltage: 2}},
			want:    Sample{Time: 1, Voltage: 2},
		},
		{
			name:    "uses last timestamp",
			samples: []Sample{{Time: 0, Voltage: 1}, {Time: 1, Voltage: 2}, {Time: 2, Voltage: 3}},
			want:    Sample{Time: 2, Voltage: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Average(tt.samples))
		})
	}
}

func TestMovingAverage(t *testing.T) {
	samples := []Sample{
		{Time: 0, Voltage: 0},
		{Time: 1, Voltage: 2},
		{Time: 2, Voltage: 4},
		{Time: 3, Voltage: 6},
	}

	got := MovingAverage(nil, samples, 2)
	assert.Equal(t, []Sample{
		{Time: 0, Voltage: 0},
		{Time: 1, Voltage: 1},
		{Time: 2, Voltage: 3},
		{Time: 3, Voltage: 5},
	}, got)

	dst := make([]Sample, 0, 10)
	got = MovingAverage(dst, samples, 0)
	assert.Equal(t, samples, got)
	assert.Equal(t, cap(dst), cap(got))
}

func TestSteadyState(t *testing.T) {
	samples := []Sample{
		{Time: 0, Voltage: 0},
		{Time: 1, Voltage: 0.5},
		{Time: 2, Voltage: 2},
		{Time: 3, Voltage: 3},
		{Time: 4, Voltage: 2},
		{Time: 5, Voltage: 3},
	}

	st := SteadyState(samples)
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 2.0, st.Min)
	assert.Equal(t, 3.0, st.Max)
	assert.Equal(t, 1.0, st.Ripple)
	assert.InDelta(t, 7.0/3, st.Mean, 1e-12)

	assert.Equal(t, Stats{}, SteadyState(nil))
}
