// Package fit estimates RC time constants by bounded nonlinear least squares.
package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/itohio/rcexp/pkg/sample"
)

// MinSamples is the smallest number of usable samples a fit accepts.
const MinSamples = 6

const (
	maxIterations = 200
	initialLambda = 1e-3
	maxLambda     = 1e12
	tolerance     = 1e-12
)

var (
	// ErrInsufficientSamples is returned when fewer than MinSamples usable samples remain.
	ErrInsufficientSamples = errors.New("insufficient samples")
	// ErrBadGuess is returned when the initial guess is not positive and finite.
	ErrBadGuess = errors.New("initial guess must be positive and finite")
)

// Model selects the exponential being fitted.
type Model int

const (
	// Charge is V(t) = Vcc*(1 - exp(-(t-offset)/tc)).
	Charge Model = iota
	// Discharge is V(t) = Vcc*exp(-t/tc).
	Discharge
)

func (m Model) String() string {
	switch m {
	case Charge:
		return "charge"
	case Discharge:
		return "discharge"
	default:
		return fmt.Sprintf("Model(%d)", int(m))
	}
}

// Guess holds the nominal circuit values the fit starts from and is bounded by.
type Guess struct {
	TimeConstant  float64
	SupplyVoltage float64
}

// Result holds fitted parameters.
type Result struct {
	TimeConstant  float64 `json:"time_constant"`
	SupplyVoltage float64 `json:"supply_voltage"`
	Offset        float64 `json:"offset"`
	HasOffset     bool    `json:"has_offset"`
	RMS           float64 `json:"rms"`
	Iterations    int     `json:"iterations"`
}

// Curve evaluates the fitted model at time t.
func Curve(model Model, r Result, t float64) float64 {
	return eval(model, []float64{r.SupplyVoltage, r.TimeConstant, r.Offset}, t)
}

// parameter vector layout: [Vcc, tc, offset]; offset is only fitted for Charge.
func eval(model Model, p []float64, t float64) float64 {
	if model == Discharge {
		return p[0] * math.Exp(-t/p[1])
	}
	off := 0.0
	if len(p) > 2 {
		off = p[2]
	}
	return p[0] * (1 - math.Exp(-(t-off)/p[1]))
}

// gradient writes dV/dp into row.
func gradient(model Model, p []float64, t float64, row []float64) {
	vcc, tc := p[0], p[1]
	if model == Discharge {
		e := math.Exp(-t / tc)
		row[0] = e
		row[1] = vcc * e * t / (tc * tc)
		return
	}

	x := t - p[2]
	e := math.Exp(-x / tc)
	row[0] = 1 - e
	row[1] = -vcc * e * x / (tc * tc)
	row[2] = -vcc * e / tc
}

type bounds struct {
	lo, hi []float64
}

func (b bounds) clamp(p []float64) {
	for i := range p {
		p[i] = math.Max(b.lo[i], math.Min(b.hi[i], p[i]))
	}
}

// Fit fits model to samples. The time constant is bounded to [0.8, 1.2] of the
// guess and the supply voltage from below at 0.8 of the guess. Samples with
// non-finite values are skipped.
func Fit(samples []sample.Sample, model Model, guess Guess) (Result, error) {
	if !(guess.TimeConstant > 0) || !(guess.SupplyVoltage > 0) ||
		math.IsInf(guess.TimeConstant, 0) || math.IsInf(guess.SupplyVoltage, 0) {
		return Result{}, ErrBadGuess
	}

	ts := make([]float64, 0, len(samples))
	vs := make([]float64, 0, len(samples))
	for _, s := range samples {
		if math.IsNaN(s.Time) || math.IsInf(s.Time, 0) || math.IsNaN(s.Voltage) || math.IsInf(s.Voltage, 0) {
			continue
		}
		ts = append(ts, s.Time)
		vs = append(vs, s.Voltage)
	}
	if len(ts) < MinSamples {
		return Result{}, fmt.Errorf("%w: %d usable, need %d", ErrInsufficientSamples, len(ts), MinSamples)
	}

	p := []float64{guess.SupplyVoltage, guess.TimeConstant}
	b := bounds{
		lo: []float64{0.8 * guess.SupplyVoltage, 0.8 * guess.TimeConstant},
		hi: []float64{math.Inf(1), 1.2 * guess.TimeConstant},
	}
	if model == Charge {
		p = append(p, 0)
		b.lo = append(b.lo, math.Inf(-1))
		b.hi = append(b.hi, math.Inf(1))
	}

	p, cost, iterations := levenbergMarquardt(model, ts, vs, p, b)

	r := Result{
		SupplyVoltage: p[0],
		TimeConstant:  p[1],
		RMS:           math.Sqrt(cost / float64(len(ts))),
		Iterations:    iterations,
	}
	if model == Charge {
		r.Offset = p[2]
		r.HasOffset = true
	}
	return r, nil
}

func sumSquares(model Model, ts, vs, p []float64) float64 {
	var sum float64
	for i, t := range ts {
		d := eval(model, p, t) - vs[i]
		sum += d * d
	}
	return sum
}

// levenbergMarquardt minimizes the squared residuals, projecting every step
// back into the bounds.
func levenbergMarquardt(model Model, ts, vs, p []float64, b bounds) ([]float64, float64, int) {
	n, k := len(ts), len(p)

	jac := mat.NewDense(n, k, nil)
	res := mat.NewVecDense(n, nil)
	jtj := mat.NewDense(k, k, nil)
	a := mat.NewDense(k, k, nil)
	var g, delta mat.VecDense

	row := make([]float64, k)
	trial := make([]float64, k)

	b.clamp(p)
	cost := sumSquares(model, ts, vs, p)
	lambda := initialLambda

	iter := 0
	for iter < maxIterations {
		iter++

		for i, t := range ts {
			gradient(model, p, t, row)
			jac.SetRow(i, row)
			res.SetVec(i, eval(model, p, t)-vs[i])
		}
		jtj.Mul(jac.T(), jac)
		g.MulVec(jac.T(), res)

		improved := false
		for lambda <= maxLambda {
			a.Copy(jtj)
			for i := range k {
				d := jtj.At(i, i)
				if d < tolerance {
					d = tolerance
				}
				a.Set(i, i, jtj.At(i, i)+lambda*d)
			}

			if err := delta.SolveVec(a, &g); err != nil {
				lambda *= 10
				continue
			}

			for i := range k {
				trial[i] = p[i] - delta.AtVec(i)
			}
			b.clamp(trial)

			trialCost := sumSquares(model, ts, vs, trial)
			if trialCost < cost {
				step := 0.0
				for i := range k {
					step = math.Max(step, math.Abs(trial[i]-p[i])/math.Max(math.Abs(p[i]), 1))
				}
				gain := cost - trialCost
				copy(p, trial)
				cost = trialCost
				lambda = math.Max(lambda/10, 1e-12)
				improved = true

				if gain <= tolerance*math.Max(cost, 1) || step <= tolerance {
					return p, cost, iter
				}
				break
			}
			lambda *= 10
		}

		if !improved {
			break
		}
	}

	return p, cost, iter
}
