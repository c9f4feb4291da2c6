package params

import (
	"fmt"
	"math"

	"github.com/itohio/rcexp/pkg/link"
)

// Field identifies one device parameter.
type Field int

const (
	SupplyVoltage Field = iota
	Resistance
	Capacitance
	DurationFactor
	SamplesPerTC
	PulseDuration
	PulseDutyCycle
)

// Fields lists every parameter in fetch order.
var Fields = []Field{
	SupplyVoltage,
	Resistance,
	Capacitance,
	DurationFactor,
	SamplesPerTC,
	PulseDuration,
	PulseDutyCycle,
}

type fieldSpec struct {
	name  string
	unit  string
	query string
	set   string
	kind  link.NumberKind
}

var specs = map[Field]fieldSpec{
	SupplyVoltage:  {name: "supply voltage", unit: "V", query: "k", set: "j", kind: link.Float},
	Resistance:     {name: "resistance", unit: "Ohm", query: "g", set: "f", kind: link.Float},
	Capacitance:    {name: "capacitance", unit: "uF", query: "i", set: "h", kind: link.Float},
	DurationFactor: {name: "duration factor", unit: "tc", query: "m", set: "l", kind: link.Int},
	SamplesPerTC:   {name: "samples per tc", unit: "", query: "o", set: "n", kind: link.Int},
	PulseDuration:  {name: "pulse duration", unit: "ms", query: "s", set: "r", kind: link.Int},
	PulseDutyCycle: {name: "pulse duty cycle", unit: "%", query: "u", set: "t", kind: link.Int},
}

func (f Field) String() string {
	if s, ok := specs[f]; ok {
		return s.name
	}
	return fmt.Sprintf("Field(%d)", int(f))
}

// Unit returns the unit values of f are expressed in.
func (f Field) Unit() string {
	return specs[f].unit
}

// ParseField resolves a field by its name.
func ParseField(name string) (Field, bool) {
	for _, f := range Fields {
		if specs[f].name == name {
			return f, true
		}
	}
	return 0, false
}

// DeviceParameters mirrors the configuration held by the device.
type DeviceParameters struct {
	SupplyVoltage         float64 `json:"supply_voltage"`
	ResistanceOhms        float64 `json:"resistance_ohms"`
	CapacitanceFarads     float64 `json:"capacitance_farads"`
	DurationFactor        int     `json:"duration_factor"`
	SamplesPerTC          int     `json:"samples_per_tc"`
	PulseDurationMs       int     `json:"pulse_duration_ms"`
	PulseDutyCyclePercent int     `json:"pulse_duty_cycle_percent"`
}

// TimeConstant returns R*C in seconds.
func (p DeviceParameters) TimeConstant() float64 {
	return p.ResistanceOhms * p.CapacitanceFarads
}

// ExpectedDuration returns the nominal capture length in seconds.
func (p DeviceParameters) ExpectedDuration() float64 {
	return float64(p.DurationFactor) * p.TimeConstant()
}

// Get returns the value of f in the units used by Validate and SetField
// (capacitance in uF).
func (p DeviceParameters) Get(f Field) float64 {
	switch f {
	case SupplyVoltage:
		return p.SupplyVoltage
	case Resistance:
		return p.ResistanceOhms
	case Capacitance:
		return p.CapacitanceFarads * 1e6
	case DurationFactor:
		return float64(p.DurationFactor)
	case SamplesPerTC:
		return float64(p.SamplesPerTC)
	case PulseDuration:
		return float64(p.PulseDurationMs)
	case PulseDutyCycle:
		return float64(p.PulseDutyCyclePercent)
	default:
		return math.NaN()
	}
}

func (p *DeviceParameters) set(f Field, v float64) {
	switch f {
	case SupplyVoltage:
		p.SupplyVoltage = v
	case Resistance:
		p.ResistanceOhms = v
	case Capacitance:
		p.CapacitanceFarads = v * 1e-6
	case DurationFactor:
		p.DurationFactor = int(v)
	case SamplesPerTC:
		p.SamplesPerTC = int(v)
	case PulseDuration:
		p.PulseDurationMs = int(v)
	case PulseDutyCycle:
		p.PulseDutyCyclePercent = int(v)
	}
}

// Command formats the set command for f. Capacitance is given in uF and sent in farads.
func Command(f Field, v float64) (string, error) {
	if err := Validate(f, v); err != nil {
		return "", err
	}

	code := specs[f].set
	switch f {
	case SupplyVoltage:
		return fmt.Sprintf("%s;%g", code, v), nil
	case Resistance:
		return fmt.Sprintf("%s;%.3f", code, v), nil
	case Capacitance:
		return fmt.Sprintf("%s;%.3e", code, v*1e-6), nil
	default:
		return fmt.Sprintf("%s;%d", code, int(v)), nil
	}
}
