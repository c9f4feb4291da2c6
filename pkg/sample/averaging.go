package sample

import (
	"math"
)

// Stats summarizes the steady-state portion of a pulse run.
type Stats struct {
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Ripple float64 `json:"ripple"`
	Count  int     `json:"count"`
}

// Average returns the mean voltage of samples at the time of the last one.
func Average(samples []Sample) Sample {
	if len(samples) == 0 {
		return Sample{}
	}

	var sum float64
	for _, s := range samples {
		sum += s.Voltage
	}

	return Sample{
		Time:    samples[len(samples)-1].Time,
		Voltage: sum / float64(len(samples)),
	}
}

// MovingAverage smooths samples with a trailing window of windowSize points.
// Destination-based: reuses dst if it has sufficient capacity.
func MovingAverage(dst []Sample, samples []Sample, windowSize int) []Sample {
	if windowSize <= 0 {
		windowSize = 1 // No averaging if invalid
	}
	if cap(dst) >= len(samples) {
		dst = dst[:len(samples)]
	} else {
		dst = make([]Sample, len(samples))
	}

	var sum float64
	for i, s := range samples {
		sum += s.Voltage
		if i >= windowSize {
			sum -= samples[i-windowSize].Voltage
		}
		n := min(i+1, windowSize)
		dst[i] = Sample{Time: s.Time, Voltage: sum / float64(n)}
	}

	return dst
}

// SteadyState computes statistics over the second half of samples, where a
// periodically driven RC circuit has settled.
func SteadyState(samples []Sample) Stats {
	if len(samples) == 0 {
		return Stats{}
	}

	tail := samples[len(samples)/2:]
	st := Stats{
		Min:   math.Inf(1),
		Max:   math.Inf(-1),
		Count: len(tail),
	}

	for _, s := range tail {
		st.Min = math.Min(st.Min, s.Voltage)
		st.Max = math.Max(st.Max, s.Voltage)
	}
	st.Mean = Average(tail).Voltage
	st.Ripple = st.Max - st.Min

	return st
}
