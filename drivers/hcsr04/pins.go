// drivers/hcsr04/pins.go
package hcsr04

import "time"

// Edge selection for echo-line interrupts.
type Edge uint8

const (
	EdgeRising Edge = iota + 1
	EdgeFalling
)

// TriggerPin is the digital output driving the sensor's Trig line.
type TriggerPin interface {
	Set(level bool)
}

// EchoPin delivers edge interrupts from the sensor's Echo line. Rising and
// falling handlers are registered independently and both stay armed at once;
// handlers run in interrupt context and must not block.
type EchoPin interface {
	SetIRQ(edge Edge, handler func()) error
}

// PulseTimer measures pulse width with microsecond resolution. Start begins
// (or resumes) timing, Stop pauses it, Reset stops and zeroes the elapsed
// value. Implementations must tolerate Reset while running: a timer left
// stale by a missed echo is reset before the next trigger cycle.
type PulseTimer interface {
	Start()
	Stop()
	ElapsedMicroseconds() uint32
	Reset()
}

// stopwatch is the default PulseTimer, backed by the monotonic clock.
type stopwatch struct {
	start   time.Time
	acc     time.Duration
	running bool
}

func (s *stopwatch) Start() {
	if !s.running {
		s.start = time.Now()
		s.running = true
	}
}

func (s *stopwatch) Stop() {
	if s.running {
		s.acc += time.Since(s.start)
		s.running = false
	}
}

func (s *stopwatch) ElapsedMicroseconds() uint32 {
	d := s.acc
	if s.running {
		d += time.Since(s.start)
	}
	return uint32(d.Microseconds())
}

func (s *stopwatch) Reset() {
	s.acc = 0
	s.running = false
}
