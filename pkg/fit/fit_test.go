package fit

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/rcexp/pkg/sample"
)

func synth(n int, dt float64, noise float64, f func(t float64) float64) []sample.Sample {
	rng := rand.New(rand.NewPCG(1, 2))
	samples := make([]sample.Sample, n)
	for i := range n {
		t := float64(i) * dt
		samples[i] = sample.Sample{Time: t, Voltage: f(t) + rng.NormFloat64()*noise}
	}
	return samples
}

func TestFit_Charge(t *testing.T) {
	samples := synth(51, 0.1, 0.01, func(t float64) float64 {
		return 5 * (1 - math.Exp(-t/0.5))
	})

	// R = 1k, C = 550uF
	r, err := Fit(samples, Charge, Guess{TimeConstant: 0.55, SupplyVoltage: 5})
	require.NoError(t, err)

	assert.InEpsilon(t, 0.5, r.TimeConstant, 0.05)
	assert.InDelta(t, 5.0, r.SupplyVoltage, 0.1)
	assert.InDelta(t, 0.0, r.Offset, 0.02)
	assert.True(t, r.HasOffset)
	assert.Less(t, r.RMS, 0.05)
	assert.Greater(t, r.Iterations, 0)
}

func TestFit_Discharge(t *testing.T) {
	samples := synth(51, 0.1, 0.01, func(t float64) float64 {
		return 4.8 * math.Exp(-t/0.45)
	})

	r, err := Fit(samples, Discharge, Guess{TimeConstant: 0.5, SupplyVoltage: 5})
	require.NoError(t, err)

	assert.InEpsilon(t, 0.45, r.TimeConstant, 0.05)
	assert.InDelta(t, 4.8, r.SupplyVoltage, 0.1)
	assert.False(t, r.HasOffset)
	assert.Zero(t, r.Offset)
}

func TestFit_Bounds(t *testing.T) {
	// True tc is far above the nominal value; the fit must stay within bounds.
	samples := synth(51, 0.1, 0, func(t float64) float64 {
		return 5 * math.Exp(-t/2.0)
	})

	r, err := Fit(samples, Discharge, Guess{TimeConstant: 1.0, SupplyVoltage: 5})
	require.NoError(t, err)
	assert.LessOrEqual(t, r.TimeConstant, 1.2+1e-12)
	assert.GreaterOrEqual(t, r.TimeConstant, 0.8-1e-12)

	// Supply voltage never drops below 80% of nominal.
	samples = synth(51, 0.1, 0, func(t float64) float64 {
		return 2 * (1 - math.Exp(-t))
	})
	r, err = Fit(samples, Charge, Guess{TimeConstant: 1.0, SupplyVoltage: 5})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.SupplyVoltage, 4.0-1e-12)
}

func TestFit_InsufficientSamples(t *testing.T) {
	guess := Guess{TimeConstant: 0.5, SupplyVoltage: 5}

	_, err := Fit(synth(5, 0.1, 0, func(float64) float64 { return 1 }), Charge, guess)
	assert.ErrorIs(t, err, ErrInsufficientSamples)

	// Non-finite samples are skipped rather than failing the fit.
	samples := synth(8, 0.1, 0, func(t float64) float64 { return 5 * math.Exp(-t/0.5) })
	samples[2].Voltage = math.NaN()
	samples[3].Time = math.Inf(1)
	_, err = Fit(samples, Discharge, guess)
	assert.NoError(t, err)

	samples[4].Voltage = math.Inf(-1)
	_, err = Fit(samples, Discharge, guess)
	assert.ErrorIs(t, err, ErrInsufficientSamples)
}

func TestFit_BadGuess(t *testing.T) {
	samples := synth(10, 0.1, 0, func(float64) float64 { return 1 })

	for _, g := range []Guess{
		{TimeConstant: 0, SupplyVoltage: 5},
		{TimeConstant: 1, SupplyVoltage: -5},
		{TimeConstant: math.NaN(), SupplyVoltage: 5},
		{TimeConstant: 1, SupplyVoltage: math.Inf(1)},
	} {
		_, err := Fit(samples, Charge, g)
		assert.ErrorIs(t, err, ErrBadGuess)
	}
}

func TestCurve(t *testing.T) {
	r := Result{TimeConstant: 0.5, SupplyVoltage: 5}
	assert.InDelta(t, 5*(1-math.Exp(-1)), Curve(Charge, r, 0.5), 1e-12)
	assert.InDelta(t, 5*math.Exp(-1), Curve(Discharge, r, 0.5), 1e-12)

	r.Offset = 0.1
	assert.InDelta(t, 0.0, Curve(Charge, r, 0.1), 1e-12)
}
