// drivers/hcsr04/hcsr04_test.go
package hcsr04

import (
	"sync"
	"testing"
	"time"
)

// fakeTrigger records the trigger line and signals each high transition, so
// tests know when the worker has begun a trigger cycle.
type fakeTrigger struct {
	mu     sync.Mutex
	levels []bool
	high   chan struct{}
}

func newFakeTrigger() *fakeTrigger {
	return &fakeTrigger{high: make(chan struct{}, 8)}
}

func (p *fakeTrigger) Set(level bool) {
	p.mu.Lock()
	p.levels = append(p.levels, level)
	p.mu.Unlock()
	if level {
		select {
		case p.high <- struct{}{}:
		default:
		}
	}
}

func (p *fakeTrigger) awaitHigh(t *testing.T) {
	t.Helper()
	select {
	case <-p.high:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for trigger pulse")
	}
}

// fakeEcho captures the registered edge handlers so tests can fire them.
type fakeEcho struct {
	rise, fall func()
}

func (p *fakeEcho) SetIRQ(edge Edge, handler func()) error {
	switch edge {
	case EdgeRising:
		p.rise = handler
	case EdgeFalling:
		p.fall = handler
	}
	return nil
}

// pulse simulates a complete echo pulse of the given width.
func (p *fakeEcho) pulse(tm *fakeTimer, widthUs uint32) {
	p.rise()
	tm.setElapsed(widthUs)
	p.fall()
}

// fakeTimer reports a test-controlled elapsed value.
type fakeTimer struct {
	mu      sync.Mutex
	elapsed uint32
	resets  int
}

func (f *fakeTimer) Start() {}
func (f *fakeTimer) Stop()  {}
func (f *fakeTimer) ElapsedMicroseconds() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elapsed
}
func (f *fakeTimer) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}
func (f *fakeTimer) setElapsed(us uint32) {
	f.mu.Lock()
	f.elapsed = us
	f.mu.Unlock()
}

type result struct {
	valid bool
	dist  float32
}

func newTestDevice(t *testing.T, cfg Config) (*Device, *fakeTrigger, *fakeEcho, *fakeTimer) {
	t.Helper()
	trig := newFakeTrigger()
	echo := &fakeEcho{}
	tm := &fakeTimer{}
	d, err := New(trig, echo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg.Timer = tm
	d.Configure(cfg)
	if echo.rise == nil || echo.fall == nil {
		t.Fatal("edge handlers not installed at construction")
	}
	return d, trig, echo, tm
}

func awaitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for measurement callback")
		return result{}
	}
}

func pollTrue(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDistanceConversion(t *testing.T) {
	d, trig, echo, tm := newTestDevice(t, Config{})
	if !d.Initialize() {
		t.Fatal("Initialize failed")
	}
	defer d.Finalize()

	var last float32 = -1
	for _, us := range []uint32{100, 580, 1750, 5830} {
		results := make(chan result, 1)
		if !d.DoMeasurement(func(valid bool, dist float32) {
			results <- result{valid, dist}
		}) {
			t.Fatalf("DoMeasurement(%d) failed", us)
		}
		trig.awaitHigh(t)
		echo.pulse(tm, us)

		r := awaitResult(t, results)
		if !r.valid {
			t.Fatalf("pulse %dus reported invalid", us)
		}
		want := float32(us) * SpeedOfSound / 20_000
		if r.dist != want {
			t.Fatalf("pulse %dus: distance %v, want %v", us, r.dist, want)
		}
		if r.dist <= last {
			t.Fatalf("distance not monotonic in pulse width: %v after %v", r.dist, last)
		}
		last = r.dist
	}
}

func TestTimeoutReportsInvalidAndSelfHeals(t *testing.T) {
	// MaxDistanceCm=1 bounds the echo wait to ~58ms.
	d, trig, echo, tm := newTestDevice(t, Config{MaxDistanceCm: 1})
	if !d.Initialize() {
		t.Fatal("Initialize failed")
	}
	defer d.Finalize()

	results := make(chan result, 1)
	cb := func(valid bool, dist float32) { results <- result{valid, dist} }

	if !d.DoMeasurement(cb) {
		t.Fatal("DoMeasurement failed")
	}
	trig.awaitHigh(t)
	// No echo: the bounded wait must expire.
	if r := awaitResult(t, results); r.valid {
		t.Fatal("expected timeout, got valid result")
	}

	// The next cycle resets the stale timer and measures normally.
	if !d.DoMeasurement(cb) {
		t.Fatal("DoMeasurement after timeout failed")
	}
	trig.awaitHigh(t)
	echo.pulse(tm, 580)
	if r := awaitResult(t, results); !r.valid {
		t.Fatal("measurement after timeout not valid")
	}
	pollTrue(t, func() bool { return d.PendingMeasurementCount() == 0 }, "pending count to drain")
}

func TestExclusivityOneShotBlocksPeriodic(t *testing.T) {
	// Uninitialized: the enqueued one-shot stays pending.
	d, _, _, _ := newTestDevice(t, Config{})

	if !d.DoMeasurement(func(bool, float32) {}) {
		t.Fatal("DoMeasurement failed")
	}
	if got := d.PendingMeasurementCount(); got != 1 {
		t.Fatalf("pending count = %d, want 1", got)
	}

	if d.StartMeasurementPeriodic(10*time.Millisecond, func(bool, float32) {}) {
		t.Fatal("StartMeasurementPeriodic succeeded with pending one-shot")
	}
	if d.IsPeriodicStarted() {
		t.Fatal("periodic registration appeared despite refusal")
	}
}

func TestExclusivityPeriodicBlocksOneShot(t *testing.T) {
	d, _, _, _ := newTestDevice(t, Config{})

	if !d.StartMeasurementPeriodic(10*time.Millisecond, func(bool, float32) {}) {
		t.Fatal("StartMeasurementPeriodic failed")
	}
	if d.DoMeasurement(func(bool, float32) {}) {
		t.Fatal("DoMeasurement succeeded while periodic started")
	}
	if got := d.PendingMeasurementCount(); got != 0 {
		t.Fatalf("pending count changed to %d", got)
	}
	if d.StartMeasurementPeriodic(10*time.Millisecond, func(bool, float32) {}) {
		t.Fatal("second StartMeasurementPeriodic succeeded")
	}
}

func TestFinalizeRefusedWhilePendingWork(t *testing.T) {
	d, _, _, _ := newTestDevice(t, Config{})
	if !d.Initialize() {
		t.Fatal("Initialize failed")
	}

	if !d.StartMeasurementPeriodic(time.Hour, func(bool, float32) {}) {
		t.Fatal("StartMeasurementPeriodic failed")
	}
	if d.Finalize() {
		t.Fatal("Finalize succeeded with periodic registered")
	}
	if !d.IsInitialized() {
		t.Fatal("refused Finalize changed initialized state")
	}

	d.StopMeasurementPeriodic()
	pollTrue(t, func() bool { return !d.IsPeriodicStarted() }, "periodic cancellation")

	if !d.Finalize() {
		t.Fatal("Finalize failed after stop")
	}
}

func TestFinalizeRefusedWhileOneShotPending(t *testing.T) {
	d, _, _, _ := newTestDevice(t, Config{MaxDistanceCm: 1})
	if !d.Initialize() {
		t.Fatal("Initialize failed")
	}
	defer d.Finalize()

	// The queued measurement blocks the worker; pending count stays nonzero
	// until the echo (or timeout) arrives.
	done := make(chan result, 1)
	if !d.DoMeasurement(func(v bool, dist float32) { done <- result{v, dist} }) {
		t.Fatal("DoMeasurement failed")
	}
	if d.Finalize() {
		t.Fatal("Finalize succeeded with a measurement pending")
	}
	if !d.IsInitialized() {
		t.Fatal("refused Finalize changed initialized state")
	}

	awaitResult(t, done) // timeout path is fine here
	pollTrue(t, func() bool { return d.PendingMeasurementCount() == 0 }, "pending count to drain")
}

func TestSequentialMeasurementsDrainToZero(t *testing.T) {
	d, trig, echo, tm := newTestDevice(t, Config{})
	if !d.Initialize() {
		t.Fatal("Initialize failed")
	}
	defer d.Finalize()

	const n = 3
	results := make(chan result, n)
	cb := func(valid bool, dist float32) { results <- result{valid, dist} }

	for i := 0; i < n; i++ {
		if !d.DoMeasurement(cb) {
			t.Fatalf("DoMeasurement %d failed", i)
		}
		if got := d.PendingMeasurementCount(); got > n {
			t.Fatalf("pending count %d exceeds %d", got, n)
		}
		trig.awaitHigh(t)
		echo.pulse(tm, 580)
		awaitResult(t, results)
	}
	pollTrue(t, func() bool { return d.PendingMeasurementCount() == 0 }, "pending count to drain")
}

func TestQueueExhaustion(t *testing.T) {
	// Uninitialized with a depth-2 queue: the third enqueue must fail and
	// leave the pending count untouched.
	d, _, _, _ := newTestDevice(t, Config{QueueDepth: 2})

	cb := func(bool, float32) {}
	if !d.DoMeasurement(cb) || !d.DoMeasurement(cb) {
		t.Fatal("expected first two enqueues to succeed")
	}
	if d.DoMeasurement(cb) {
		t.Fatal("third enqueue succeeded on a full queue")
	}
	if got := d.PendingMeasurementCount(); got != 2 {
		t.Fatalf("pending count = %d, want 2", got)
	}
}

func TestStopPeriodicCompletesInFlightMeasurement(t *testing.T) {
	d, trig, echo, tm := newTestDevice(t, Config{MaxDistanceCm: 1})
	if !d.Initialize() {
		t.Fatal("Initialize failed")
	}
	defer d.Finalize()

	var mu sync.Mutex
	calls := 0
	if !d.StartMeasurementPeriodic(5*time.Millisecond, func(bool, float32) {
		mu.Lock()
		calls++
		mu.Unlock()
	}) {
		t.Fatal("StartMeasurementPeriodic failed")
	}

	// Wait for a tick to be in flight, then request cancellation mid-pulse.
	trig.awaitHigh(t)
	d.StopMeasurementPeriodic()
	echo.pulse(tm, 580)

	pollTrue(t, func() bool { return !d.IsPeriodicStarted() }, "periodic cancellation")
	mu.Lock()
	if calls < 1 {
		mu.Unlock()
		t.Fatal("in-flight measurement did not complete its callback")
	}
	settled := calls
	mu.Unlock()

	// No further ticks once the registration is gone.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != settled {
		t.Fatalf("callbacks continued after cancellation: %d -> %d", settled, calls)
	}
}

func TestStopPeriodicWithoutWorkerIsSynchronous(t *testing.T) {
	d, _, _, _ := newTestDevice(t, Config{})

	if !d.StartMeasurementPeriodic(time.Hour, func(bool, float32) {}) {
		t.Fatal("StartMeasurementPeriodic failed")
	}
	d.StopMeasurementPeriodic()
	if d.IsPeriodicStarted() {
		t.Fatal("registration not removed synchronously without a worker")
	}
}

func TestStopPeriodicNoOpWhenNotStarted(t *testing.T) {
	d, _, _, _ := newTestDevice(t, Config{})
	d.StopMeasurementPeriodic() // must not panic or change state
	if d.IsPeriodicStarted() {
		t.Fatal("periodic started out of nowhere")
	}
}

func TestInitializeFinalizeRoundTrip(t *testing.T) {
	d, trig, echo, tm := newTestDevice(t, Config{})

	if !d.Initialize() {
		t.Fatal("first Initialize failed")
	}
	if d.Initialize() {
		t.Fatal("double Initialize succeeded")
	}
	if !d.Finalize() {
		t.Fatal("Finalize failed")
	}
	if d.Finalize() {
		t.Fatal("double Finalize succeeded")
	}
	if d.IsInitialized() {
		t.Fatal("still initialized after Finalize")
	}

	// Second lifecycle behaves like the first.
	if !d.Initialize() {
		t.Fatal("re-Initialize failed")
	}
	defer d.Finalize()

	results := make(chan result, 1)
	if !d.DoMeasurement(func(v bool, dist float32) { results <- result{v, dist} }) {
		t.Fatal("DoMeasurement after re-Initialize failed")
	}
	trig.awaitHigh(t)
	echo.pulse(tm, 580)
	if r := awaitResult(t, results); !r.valid {
		t.Fatal("measurement after re-Initialize not valid")
	}
	pollTrue(t, func() bool { return d.PendingMeasurementCount() == 0 }, "pending count to drain")
}

func TestSensorTimeoutBound(t *testing.T) {
	// 300cm at 343 m/s, round trip: the datasheet-contract formula.
	want := time.Duration(300) * 20_000 * time.Millisecond / 343
	if got := SensorTimeout(300); got != want {
		t.Fatalf("SensorTimeout(300) = %v, want %v", got, want)
	}
}
