package sample

import (
	"log"
)

const (
	// microsWrap is the period of the device's 32-bit micros() counter.
	microsWrap = uint64(1) << 32
	// maxBackstep is the largest backwards jump treated as reordering rather than a wrap.
	maxBackstep = uint64(1) << 31
)

// Sample is one measurement: seconds since the first sample of the run and volts.
type Sample struct {
	Time    float64 `json:"t"`
	Voltage float64 `json:"v"`
}

// Sequence accumulates samples in acquisition order, normalizing raw device
// timestamps (µs) to seconds from the first sample.
type Sequence struct {
	samples []Sample
	started bool
	origin  uint64
	last    uint64
	epoch   uint64
}

// NewSequence creates an empty sequence with room for capacity samples.
func NewSequence(capacity int) *Sequence {
	if capacity < 0 {
		capacity = 0
	}
	return &Sequence{samples: make([]Sample, 0, capacity)}
}

// AppendRaw normalizes and appends a frame. Frames that step backwards by less
// than half the counter range are dropped; larger steps are counter wraps.
func (s *Sequence) AppendRaw(micros uint64, volts float64) (Sample, bool) {
	if !s.started {
		s.started = true
		s.origin = micros
		s.last = micros
		smp := Sample{Time: 0, Voltage: volts}
		s.samples = append(s.samples, smp)
		return smp, true
	}

	raw := micros + s.epoch
	if raw < s.last {
		if s.last-raw > maxBackstep {
			s.epoch += microsWrap
			raw += microsWrap
		} else {
			log.Printf("Dropping out-of-order frame: %d us after %d us", raw, s.last)
			return Sample{}, false
		}
	}
	s.last = raw

	smp := Sample{
		Time:    float64(raw-s.origin) / 1e6,
		Voltage: volts,
	}
	s.samples = append(s.samples, smp)
	return smp, true
}

// Len returns the number of samples.
func (s *Sequence) Len() int {
	return len(s.samples)
}

// Last returns the most recent sample.
func (s *Sequence) Last() (Sample, bool) {
	if len(s.samples) == 0 {
		return Sample{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// Elapsed returns the time of the most recent sample.
func (s *Sequence) Elapsed() float64 {
	last, _ := s.Last()
	return last.Time
}

// Take hands the collected samples over to the caller and resets the sequence.
func (s *Sequence) Take() []Sample {
	out := s.samples
	*s = Sequence{}
	return out
}
