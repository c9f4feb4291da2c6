package params

import (
	"fmt"
	"math"
)

// MinResistance protects the controller pins from excessive current.
const MinResistance = 250.0

// MinPulseDuration is the shortest pulse the firmware can time, in ms.
const MinPulseDuration = 10

// ValidationError names the constraint a parameter value violates.
type ValidationError struct {
	Field      Field
	Value      float64
	Constraint string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %g: must be %s", e.Field, e.Value, e.Constraint)
}

// Validate checks v against the constraints of f. Capacitance is in uF.
func Validate(f Field, v float64) error {
	fail := func(constraint string) error {
		return &ValidationError{Field: f, Value: v, Constraint: constraint}
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fail("finite")
	}

	integral := v == math.Trunc(v)

	switch f {
	case SupplyVoltage:
		if v <= 0 {
			return fail("> 0")
		}
	case Resistance:
		if v < MinResistance {
			return fail(fmt.Sprintf(">= %g", MinResistance))
		}
	case Capacitance:
		if v <= 0 {
			return fail("> 0")
		}
	case DurationFactor, SamplesPerTC:
		if !integral {
			return fail("an integer")
		}
		if v < 1 {
			return fail(">= 1")
		}
	case PulseDuration:
		if !integral {
			return fail("an integer")
		}
		if v < MinPulseDuration {
			return fail(fmt.Sprintf(">= %d", MinPulseDuration))
		}
	case PulseDutyCycle:
		if !integral {
			return fail("an integer")
		}
		if v < 0 || v > 100 {
			return fail("within [0, 100]")
		}
	default:
		return fail("a known parameter")
	}

	return nil
}
