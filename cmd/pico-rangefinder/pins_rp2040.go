//go:build rp2040

package main

import (
	"machine"

	"hcsr04-go/drivers/hcsr04"
)

// -----------------------------------------------------------------------------
// machine.Pin adapters for the hcsr04 capability interfaces
// -----------------------------------------------------------------------------

type rp2Trigger struct{ p machine.Pin }

func newTrigger(p machine.Pin) *rp2Trigger {
	p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	p.Low()
	return &rp2Trigger{p: p}
}

func (t *rp2Trigger) Set(level bool) { t.p.Set(level) }

// rp2Echo folds the two logical edge subscriptions onto the pin's single
// hardware interrupt, dispatching on the captured level.
type rp2Echo struct {
	p          machine.Pin
	rise, fall func()
	armed      bool
}

func newEcho(p machine.Pin) *rp2Echo {
	p.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
	return &rp2Echo{p: p}
}

func (e *rp2Echo) SetIRQ(edge hcsr04.Edge, handler func()) error {
	switch edge {
	case hcsr04.EdgeRising:
		e.rise = handler
	case hcsr04.EdgeFalling:
		e.fall = handler
	}
	if e.armed {
		return nil
	}
	e.armed = true
	return e.p.SetInterrupt(machine.PinRising|machine.PinFalling, func(p machine.Pin) {
		if p.Get() {
			if e.rise != nil {
				e.rise()
			}
		} else if e.fall != nil {
			e.fall()
		}
	})
}
