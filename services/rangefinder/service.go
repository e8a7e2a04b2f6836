// services/rangefinder/service.go
package rangefinder

import (
	"context"
	"time"

	"hcsr04-go/bus"
	"hcsr04-go/errcode"
	"hcsr04-go/x/mathx"
)

// -----------------------------------------------------------------------------
// Bus payloads
// -----------------------------------------------------------------------------

// Reading is published on rangefinder/value for every completed measurement.
type Reading struct {
	Valid      bool    `json:"valid"`
	DistanceCm float32 `json:"distance_cm"`
	Link       string  `json:"link"` // "up", "degraded" (out of range), "down" (timeout)
	TsMs       int64   `json:"ts_ms"`
}

// State is retained on rangefinder/state.
type State struct {
	Level  string `json:"level"`  // "ready", "stopped"
	Status string `json:"status"` // freeform short code
	TsMs   int64  `json:"ts_ms"`
}

// PollStart is the payload for the poll_start control verb.
type PollStart struct {
	IntervalMs uint32 `json:"interval_ms"` // >0
}

// ControlResult replies to every control message.
type ControlResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Link states for readings.
const (
	LinkUp       = "up"
	LinkDown     = "down"
	LinkDegraded = "degraded"
)

// Control verbs.
const (
	CtrlReadNow   = "read_now"
	CtrlPollStart = "poll_start"
	CtrlPollStop  = "poll_stop"
)

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Sensor is the narrow contract the service relies on; *hcsr04.Device
// satisfies it.
type Sensor interface {
	Initialize() bool
	Finalize() bool
	IsInitialized() bool
	DoMeasurement(cb func(valid bool, distanceCm float32)) bool
	StartMeasurementPeriodic(period time.Duration, cb func(valid bool, distanceCm float32)) bool
	StopMeasurementPeriodic()
	IsPeriodicStarted() bool
	PendingMeasurementCount() uint32
}

// Config controls service behaviour.
type Config struct {
	// MaxDistanceCm marks readings beyond it as degraded. Default 300.
	MaxDistanceCm int
}

type service struct {
	conn   *bus.Connection
	sensor Sensor
	cfg    Config
}

// Run owns the sensor lifecycle: it initializes the driver, serves control
// verbs from rangefinder/control/<verb>, publishes readings and retained
// state, and tears the driver down when ctx ends. It blocks until then.
func Run(ctx context.Context, conn *bus.Connection, sensor Sensor, cfg Config) {
	if cfg.MaxDistanceCm <= 0 {
		cfg.MaxDistanceCm = 300
	}
	s := &service{conn: conn, sensor: sensor, cfg: cfg}

	if !sensor.Initialize() {
		s.publishState("stopped", string(errcode.AlreadyInitialized))
		return
	}
	s.loop(ctx)
	s.shutdown()
}

func (s *service) loop(ctx context.Context) {
	ctrlSub := s.conn.Subscribe(bus.T("rangefinder", "control", bus.Wildcard))
	defer s.conn.Unsubscribe(ctrlSub)

	// Ready is announced only once controls are being served.
	s.publishState("ready", "ok")

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ctrlSub.Channel():
			if len(msg.Topic) != 3 {
				continue
			}
			verb := msg.Topic[2]
			s.reply(verb, s.handleControl(verb, msg.Payload))
		}
	}
}

func (s *service) handleControl(verb string, payload any) errcode.Code {
	switch verb {
	case CtrlReadNow:
		if s.sensor.DoMeasurement(s.publishReading) {
			return errcode.OK
		}
		if s.sensor.IsPeriodicStarted() {
			return errcode.PeriodicActive
		}
		return errcode.QueueFull

	case CtrlPollStart:
		p, ok := payload.(PollStart)
		if !ok {
			return errcode.InvalidPayload
		}
		if p.IntervalMs == 0 {
			return errcode.InvalidParams
		}
		period := time.Duration(p.IntervalMs) * time.Millisecond
		if s.sensor.StartMeasurementPeriodic(period, s.publishReading) {
			return errcode.OK
		}
		if s.sensor.IsPeriodicStarted() {
			return errcode.PeriodicActive
		}
		return errcode.OneShotPending

	case CtrlPollStop:
		s.sensor.StopMeasurementPeriodic()
		return errcode.OK

	default:
		return errcode.Unsupported
	}
}

// publishReading runs on the driver's worker goroutine.
func (s *service) publishReading(valid bool, distanceCm float32) {
	r := Reading{Valid: valid, DistanceCm: distanceCm, TsMs: time.Now().UnixMilli()}
	switch {
	case !valid:
		r.Link = LinkDown
	case mathx.Between(distanceCm, 0, float32(s.cfg.MaxDistanceCm)):
		r.Link = LinkUp
	default:
		r.Link = LinkDegraded
	}
	s.conn.Publish(s.conn.NewMessage(bus.T("rangefinder", "value"), r, false))
}

func (s *service) reply(verb string, code errcode.Code) {
	res := ControlResult{OK: code == errcode.OK}
	if !res.OK {
		res.Error = string(code)
	}
	s.conn.Publish(s.conn.NewMessage(bus.T("rangefinder", "control", verb, "result"), res, false))
}

func (s *service) publishState(level, status string) {
	st := State{Level: level, Status: status, TsMs: time.Now().UnixMilli()}
	s.conn.Publish(s.conn.NewMessage(bus.T("rangefinder", "state"), st, true))
}

// shutdown cancels periodic work, waits out pending one-shots, and finalizes
// the driver. Finalize refuses while work is in flight, so poll briefly.
func (s *service) shutdown() {
	s.sensor.StopMeasurementPeriodic()

	deadline := time.Now().Add(30 * time.Second)
	for !s.sensor.Finalize() {
		if time.Now().After(deadline) {
			s.publishState("stopped", string(errcode.ShutdownRefused))
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.publishState("stopped", "ok")
}
