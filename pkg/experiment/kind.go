package experiment

import (
	"fmt"

	"github.com/itohio/rcexp/pkg/fit"
)

// Kind selects the experiment to run.
type Kind int

const (
	// DischargeOnly drains the capacitor and captures nothing.
	DischargeOnly Kind = iota
	// ChargeCapture discharges, then records a charge curve.
	ChargeCapture
	// DischargeCapture charges, then records a discharge curve.
	DischargeCapture
	// PulseCapture records the response to a pulse train until stopped.
	PulseCapture
)

// Kinds lists every experiment kind.
var Kinds = []Kind{DischargeOnly, ChargeCapture, DischargeCapture, PulseCapture}

var kindNames = map[Kind]string{
	DischargeOnly:    "discharge-only",
	ChargeCapture:    "charge",
	DischargeCapture: "discharge",
	PulseCapture:     "pulse",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind resolves a kind by name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown experiment kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown experiment kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Fits reports whether a model is fitted to runs of this kind.
func (k Kind) Fits() bool {
	return k == ChargeCapture || k == DischargeCapture
}

// Captures reports whether runs of this kind produce samples.
func (k Kind) Captures() bool {
	return k != DischargeOnly
}

// Model returns the fit model for capture kinds.
func (k Kind) Model() fit.Model {
	if k == ChargeCapture {
		return fit.Charge
	}
	return fit.Discharge
}

// commands returns the priming command (if any) and the capture command (if any).
func (k Kind) commands() (prime, capture string) {
	switch k {
	case DischargeOnly:
		return "v", ""
	case ChargeCapture:
		return "v", "a"
	case DischargeCapture:
		return "w", "b"
	case PulseCapture:
		return "", "q"
	}
	return "", ""
}
