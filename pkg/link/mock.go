package link

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itohio/rcexp/pkg/config"
)

// Mock simulates the experiment firmware behind an in-memory port.
// Its Open method is an Opener.
type Mock struct {
	cfg *config.MockConfig

	mu  sync.Mutex
	rng *rand.Rand

	// Device-side parameters; capacitance in farads, pulse duration in ms.
	vcc         float64
	resistance  float64
	capacitance float64
	durFactor   int
	spt         int
	pulseDur    int
	duty        int

	// Simulation state
	port    *pipe
	cancel  context.CancelFunc
	voltage float64
	clock   uint32
	stops   int
}

// NewMock creates a simulated device. A nil cfg uses the default mock configuration.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		def := config.Default().Mock
		cfg = &def
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Millisecond
	}

	return &Mock{
		cfg:         cfg,
		rng:         rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		vcc:         cfg.SupplyVoltage,
		resistance:  cfg.Resistance,
		capacitance: cfg.Capacitance,
		durFactor:   cfg.DurationFactor,
		spt:         cfg.SamplesPerTC,
		pulseDur:    cfg.PulseDuration,
		duty:        cfg.PulseDutyCycle,
		clock:       1_000_000,
	}
}

// Open implements Opener. Each open resets any running stream.
func (m *Mock) Open(name string, baudRate int) (Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopStream()
	if m.port != nil {
		m.port.Close()
	}
	m.port = newPipe(config.Default().Serial.DelimiterByte(), m.handle)
	m.stops = 0

	return m.port, nil
}

// Voltage returns the simulated capacitor voltage.
func (m *Mock) Voltage() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voltage
}

func (m *Mock) timeConstant() float64 {
	return m.resistance * m.capacitance
}

// step returns the device time between two samples.
func (m *Mock) step() float64 {
	spt := m.spt
	if spt < 1 {
		spt = 1
	}
	return m.timeConstant() / float64(spt)
}

func (m *Mock) handle(cmd string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	port := m.port
	if port == nil {
		return
	}

	if code, value, ok := strings.Cut(cmd, ";"); ok {
		if m.set(code, value) {
			port.emit(AckToken)
		} else {
			port.emit("err")
		}
		return
	}

	switch cmd {
	case ProbeCommand:
		if m.cfg.Unresponsive {
			return
		}
		if m.voltage > m.vcc/2 {
			port.emit("1")
		} else {
			port.emit("0")
		}
	case "k":
		port.emit(strconv.FormatFloat(m.vcc, 'f', 2, 64))
	case "g":
		port.emit(strconv.FormatFloat(m.resistance, 'f', 2, 64))
	case "i":
		port.emit(strconv.FormatFloat(m.capacitance*1e6, 'f', 2, 64))
	case "m":
		port.emit(strconv.Itoa(m.durFactor))
	case "o":
		port.emit(strconv.Itoa(m.spt))
	case "s":
		port.emit(strconv.Itoa(m.pulseDur))
	case "u":
		port.emit(strconv.Itoa(m.duty))
	case "z":
		m.stopStream()
		m.stops = 0
	case "v":
		m.prime(port, 0)
	case "w":
		m.prime(port, m.vcc)
	case "a":
		m.capture(port, m.vcc)
	case "b":
		m.capture(port, 0)
	case "q":
		m.pulse(port)
	case "stop":
		if m.cancel == nil {
			return
		}
		if m.stops < m.cfg.IgnoreStops {
			m.stops++
			return
		}
		m.stopStream()
		m.stops = 0
		if !m.cfg.SilentStop {
			port.emit(EndToken)
		}
	default:
		log.Printf("Mock: unknown command %q", cmd)
		port.emit("err")
	}
}

func (m *Mock) set(code, value string) bool {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}

	switch code {
	case "f":
		m.resistance = v
	case "h":
		m.capacitance = v
	case "j":
		m.vcc = v
	case "l":
		m.durFactor = int(v)
	case "n":
		m.spt = int(v)
	case "r":
		m.pulseDur = int(v)
	case "t":
		m.duty = int(v)
	default:
		return false
	}
	return true
}

// advance moves the capacitor towards target over dt seconds of device time.
func (m *Mock) advance(target, dt float64) {
	tc := m.timeConstant()
	if tc <= 0 {
		m.voltage = target
	} else {
		m.voltage += (target - m.voltage) * (1 - math.Exp(-dt/tc))
	}
	m.clock += uint32(dt * 1e6)
}

func (m *Mock) reading() float64 {
	v := m.voltage + m.rng.NormFloat64()*m.cfg.NoiseLevel
	return math.Max(0, v)
}

// prime streams bare voltage frames until the capacitor settles at target.
func (m *Mock) prime(port *pipe, target float64) {
	dt := m.step()
	threshold := 0.01 * m.vcc
	m.startStream(port, func() ([]string, bool) {
		m.advance(target, dt)
		frame := strconv.FormatFloat(m.reading(), 'f', 4, 64)
		if math.Abs(m.voltage-target) <= threshold {
			m.voltage = target
			return []string{frame, EndToken}, true
		}
		return []string{frame}, false
	})
}

// capture streams durFactor*spt timestamped frames then the end token.
func (m *Mock) capture(port *pipe, target float64) {
	dt := m.step()
	total := m.durFactor * m.spt
	n := 0
	m.startStream(port, func() ([]string, bool) {
		if n > 0 {
			m.advance(target, dt)
		}
		n++
		frame := fmt.Sprintf("%d,%.4f", m.clock, m.reading())
		if n >= total {
			return []string{frame, EndToken}, true
		}
		return []string{frame}, false
	})
}

// pulse streams a square-wave driven response until stopped.
func (m *Mock) pulse(port *pipe) {
	period := float64(m.pulseDur) / 1000
	high := period * float64(m.duty) / 100
	dt := math.Min(m.step(), period/20)
	if dt <= 0 {
		dt = 1e-3
	}
	t := 0.0
	m.startStream(port, func() ([]string, bool) {
		target := 0.0
		if period > 0 && math.Mod(t, period) < high {
			target = m.vcc
		}
		m.advance(target, dt)
		t += dt
		return []string{fmt.Sprintf("%d,%.4f", m.clock, m.reading())}, false
	})
}

// startStream runs next on every sample tick until it reports completion or
// the stream is stopped. Must be called with m.mu held.
func (m *Mock) startStream(port *pipe, next func() ([]string, bool)) {
	m.stopStream()
	m.stops = 0

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	go func() {
		ticker := time.NewTicker(m.cfg.SampleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-port.closed:
				cancel()
				return
			case <-ticker.C:
			}

			m.mu.Lock()
			if ctx.Err() != nil {
				m.mu.Unlock()
				return
			}
			frames, done := next()
			port.emit(frames...)
			if done {
				cancel()
				m.cancel = nil
			}
			m.mu.Unlock()

			if done {
				return
			}
		}
	}()
}

// stopStream must be called with m.mu held.
func (m *Mock) stopStream() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
