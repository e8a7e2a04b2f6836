// Package hcsr04 provides an asynchronous driver for the HC-SR04 ultrasonic
// distance sensor. Measurements are serialized onto a dedicated worker
// goroutine so that the interrupt-driven pulse timing is never shared between
// two in-flight readings:
//
//	d, _ := hcsr04.New(trig, echo)
//	d.Initialize()
//	d.DoMeasurement(func(valid bool, cm float32) { ... })
//
// One-shot and periodic measurements are strictly exclusive modes; starting
// one while the other is active fails without side effects. A missed echo is
// reported through the callback as valid=false and the driver keeps working.
//
// The public API may be called from interrupt context where noted, but is not
// safe for concurrent use from multiple caller goroutines.
package hcsr04

import (
	"math"
	"sync/atomic"
	"time"

	"hcsr04-go/eventq"
)

// Speed of sound in air, m/s, as fixed by the sensor's datasheet contract.
const SpeedOfSound = 343

// DefaultMaxDistanceCm is the range beyond which readings are considered
// invalid; it bounds the echo wait.
const DefaultMaxDistanceCm = 300

// Trigger cycle timing.
const (
	triggerPreDelay = 2 * time.Millisecond
	triggerHold     = 10 * time.Millisecond
)

const defaultQueueDepth = 16

// SensorTimeout returns the echo wait bound for a maximum range:
// the round-trip flight time over maxDistanceCm at SpeedOfSound.
func SensorTimeout(maxDistanceCm int) time.Duration {
	return time.Duration(maxDistanceCm) * 20_000 * time.Millisecond / SpeedOfSound
}

// Callback reports one completed measurement. valid is false when the sensor
// timed out, in which case distanceCm is undefined.
type Callback func(valid bool, distanceCm float32)

// Config controls non-hardware behaviour. All fields are optional.
type Config struct {
	// MaxDistanceCm defaults to DefaultMaxDistanceCm; it derives the echo
	// timeout via SensorTimeout.
	MaxDistanceCm int
	// QueueDepth bounds the number of queued one-shot measurements.
	QueueDepth int
	// Timer overrides the pulse timer, mainly for tests. Defaults to a
	// monotonic-clock stopwatch.
	Timer PulseTimer
}

// Mode word layout: 0 = idle, n > 0 = n one-shot measurements pending,
// negative = periodic registration (value is the negated queue ID).
// modeReserved parks the word between the exclusivity check and the
// periodic registration so the two cannot interleave with an enqueue.
const modeReserved = math.MinInt64

// Device drives one HC-SR04. Create with New, then Initialize before
// requesting measurements.
type Device struct {
	trig TriggerPin
	echo EchoPin

	cfg     Config
	timer   PulseTimer
	timeout time.Duration
	queue   *eventq.Queue

	// Opened by the falling-edge handler, consumed by the worker's bounded
	// wait. Capacity 1; at most one pulse is ever in flight.
	pulseDone chan struct{}
	// Written by the falling-edge handler, read by the worker after the gate
	// opens; the channel edge orders the accesses.
	dist float32

	mode atomic.Int64
	w    atomic.Pointer[worker]
}

// worker is the owned execution-context handle; present exactly between
// Initialize and Finalize.
type worker struct {
	done chan struct{}
}

// New creates a Device and installs the rising/falling echo subscriptions,
// which persist for the object's lifetime. The device starts uninitialized
// with default configuration; call Configure before Initialize to override.
func New(trig TriggerPin, echo EchoPin) (*Device, error) {
	d := &Device{
		trig:      trig,
		echo:      echo,
		pulseDone: make(chan struct{}, 1),
	}
	d.Configure()
	if err := echo.SetIRQ(EdgeRising, d.pulseStartHandler); err != nil {
		return nil, err
	}
	if err := echo.SetIRQ(EdgeFalling, d.pulseEndHandler); err != nil {
		return nil, err
	}
	return d, nil
}

// Configure applies cfg, filling defaults for zero fields. Must not be
// called while the device is initialized.
func (d *Device) Configure(cfgs ...Config) {
	var c Config
	if len(cfgs) > 0 {
		c = cfgs[0]
	}
	if c.MaxDistanceCm <= 0 {
		c.MaxDistanceCm = DefaultMaxDistanceCm
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.Timer == nil {
		c.Timer = &stopwatch{}
	}
	d.cfg = c
	d.timer = c.Timer
	d.timeout = SensorTimeout(c.MaxDistanceCm)
	d.queue = eventq.New(c.QueueDepth)
}

// Initialize starts the worker goroutine that dispatches measurements.
// Returns false if already initialized. Not callable from interrupt context;
// unsafe to call concurrently with itself or Finalize.
func (d *Device) Initialize() bool {
	if d.IsInitialized() {
		return false
	}
	w := &worker{done: make(chan struct{})}
	d.w.Store(w)
	go d.dispatchEvents(w)
	return true
}

// Finalize stops and releases the worker. It refuses while one-shot
// measurements are pending or a periodic registration exists, and blocks
// until the worker has exited. Returns false if refused or not initialized.
// Not callable from interrupt context.
func (d *Device) Finalize() bool {
	w := d.w.Load()
	if w == nil || d.mode.Load() != 0 {
		return false
	}
	d.queue.Break(eventq.SignalShutdown)
	<-w.done
	d.w.Store(nil)
	return true
}

// IsInitialized reports whether the worker is running. Callable from
// interrupt context.
func (d *Device) IsInitialized() bool {
	return d.w.Load() != nil
}

// DoMeasurement enqueues a single measurement and returns immediately; cb is
// invoked from the worker once the echo returns or the sensor times out.
// Returns false if periodic measurement is active or the queue is full.
// Callable from interrupt context.
func (d *Device) DoMeasurement(cb Callback) bool {
	if !d.tryIncPending() {
		return false
	}
	id := d.queue.Call(func() {
		d.measure(cb)
		d.decPending()
	})
	if id == 0 {
		d.decPending()
		return false
	}
	return true
}

// StartMeasurementPeriodic registers a recurring measurement every period.
// Returns false if periodic measurement is already started or one-shot
// measurements are pending. Callable from interrupt context.
func (d *Device) StartMeasurementPeriodic(period time.Duration, cb Callback) bool {
	if !d.mode.CompareAndSwap(0, modeReserved) {
		return false
	}
	id := d.queue.CallEvery(period, func() { d.measure(cb) })
	if id == 0 {
		d.mode.Store(0)
		return false
	}
	d.mode.Store(-int64(id))
	return true
}

// StopMeasurementPeriodic requests cancellation of the periodic
// registration; no-op if none exists. With the worker running, cancellation
// is deferred to the dispatch loop so a measurement already in flight
// completes (its callback fires) before the registration is removed. Without
// a worker the registration is removed synchronously.
func (d *Device) StopMeasurementPeriodic() {
	id := d.periodicID()
	if id == 0 {
		return
	}
	if !d.IsInitialized() {
		d.queue.Cancel(id)
		d.clearPeriodic()
		return
	}
	d.queue.Break(eventq.SignalCancelPeriodic)
}

// IsPeriodicStarted reports whether a periodic registration exists.
// Callable from interrupt context.
func (d *Device) IsPeriodicStarted() bool {
	return d.mode.Load() < 0
}

// PendingMeasurementCount returns the number of enqueued one-shot
// measurements that have not yet completed. Callable from interrupt context.
func (d *Device) PendingMeasurementCount() uint32 {
	if v := d.mode.Load(); v > 0 {
		return uint32(v)
	}
	return 0
}

// -----------------------------------------------------------------------------
// Mode transitions (single atomic word, CAS only)
// -----------------------------------------------------------------------------

func (d *Device) tryIncPending() bool {
	for {
		v := d.mode.Load()
		if v < 0 {
			return false // periodic active
		}
		if d.mode.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

func (d *Device) decPending() {
	for {
		v := d.mode.Load()
		if v <= 0 {
			return
		}
		if d.mode.CompareAndSwap(v, v-1) {
			return
		}
	}
}

func (d *Device) periodicID() eventq.ID {
	if v := d.mode.Load(); v < 0 && v != modeReserved {
		return eventq.ID(-v)
	}
	return 0
}

func (d *Device) clearPeriodic() {
	for {
		v := d.mode.Load()
		if v >= 0 {
			return
		}
		if d.mode.CompareAndSwap(v, 0) {
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Worker side
// -----------------------------------------------------------------------------

// dispatchEvents is the worker entry procedure. Each Break cancels the
// periodic registration, if any; the signal then selects between resuming
// (cancellation) and exiting (shutdown).
func (d *Device) dispatchEvents(w *worker) {
	defer close(w.done)
	for {
		sig := d.queue.Dispatch()
		if id := d.periodicID(); id != 0 {
			d.queue.Cancel(id)
			d.clearPeriodic()
		}
		if sig == eventq.SignalShutdown {
			return
		}
	}
}

// measure runs one trigger/wait cycle on the worker and reports through cb.
func (d *Device) measure(cb Callback) {
	d.startPulse()
	select {
	case <-d.pulseDone:
		cb(true, d.dist)
	case <-time.After(d.timeout):
		cb(false, 0)
	}
}

// startPulse drives the trigger cycle. State left stale by a timed-out pulse
// (a running timer, an unconsumed completion token) is cleared here.
func (d *Device) startPulse() {
	d.timer.Reset()
	select {
	case <-d.pulseDone:
	default:
	}

	time.Sleep(triggerPreDelay)
	d.trig.Set(true)
	time.Sleep(triggerHold)
	d.trig.Set(false)
}

// -----------------------------------------------------------------------------
// Interrupt side
// -----------------------------------------------------------------------------

// pulseStartHandler runs on the echo line's rising edge.
func (d *Device) pulseStartHandler() {
	d.timer.Start()
}

// pulseEndHandler runs on the echo line's falling edge: it captures the
// round-trip time, converts it, and opens the completion gate.
func (d *Device) pulseEndHandler() {
	d.timer.Stop()
	pulse := d.timer.ElapsedMicroseconds()
	d.dist = float32(pulse) * SpeedOfSound / (10_000 * 2)
	d.timer.Reset()

	select {
	case d.pulseDone <- struct{}{}:
	default:
	}
}
