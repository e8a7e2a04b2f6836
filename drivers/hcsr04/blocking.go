// drivers/hcsr04/blocking.go
package hcsr04

// Blocking is a synchronous convenience wrapper: it issues one measurement
// and blocks the caller until the result is in. Not callable from interrupt
// context; unsafe for concurrent use from multiple goroutines.
type Blocking struct {
	sensor *Device

	// Opened by the measurement callback, consumed by GetDistance.
	done chan struct{}

	measuredDist float32
	noTimeout    bool
}

// NewBlocking wraps an HC-SR04 on the given pins.
func NewBlocking(trig TriggerPin, echo EchoPin) (*Blocking, error) {
	sensor, err := New(trig, echo)
	if err != nil {
		return nil, err
	}
	return &Blocking{
		sensor: sensor,
		done:   make(chan struct{}, 1),
	}, nil
}

// Sensor exposes the wrapped asynchronous device, e.g. for Configure.
func (b *Blocking) Sensor() *Device { return b.sensor }

func (b *Blocking) Initialize() bool    { return b.sensor.Initialize() }
func (b *Blocking) Finalize() bool      { return b.sensor.Finalize() }
func (b *Blocking) IsInitialized() bool { return b.sensor.IsInitialized() }

// GetDistance measures once and stores the result in *distCm. Returns false
// if the measurement could not be started or the sensor timed out.
func (b *Blocking) GetDistance(distCm *float32) bool {
	if !b.sensor.DoMeasurement(b.distanceCB) {
		return false
	}
	<-b.done

	if !b.noTimeout {
		return false
	}
	*distCm = b.measuredDist
	return true
}

func (b *Blocking) distanceCB(valid bool, dist float32) {
	b.noTimeout = valid
	if valid {
		b.measuredDist = dist
	}
	select {
	case b.done <- struct{}{}:
	default:
	}
}
