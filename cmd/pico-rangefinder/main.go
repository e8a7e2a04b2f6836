//go:build rp2040

package main

import (
	"context"
	"image/color"
	"machine"
	"strconv"
	"time"

	"github.com/jangala-dev/tinygo-uartx/uartx"
	"tinygo.org/x/drivers/ssd1306"
	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/freemono"

	"hcsr04-go/bus"
	"hcsr04-go/drivers/hcsr04"
	"hcsr04-go/services/rangefinder"
)

// Pin map (Pico).
const (
	pinTrig = machine.GP16
	pinEcho = machine.GP17
	pinTX   = machine.GP0
	pinRX   = machine.GP1
)

const pollIntervalMs = 200

var white = color.RGBA{255, 255, 255, 255}

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)
	println("[main] rangefinder boot")

	uart := uartx.UART0
	if err := uart.Configure(uartx.UARTConfig{BaudRate: 115200, TX: pinTX, RX: pinRX}); err != nil {
		println("[main] uart configure error")
	}

	machine.I2C0.Configure(machine.I2CConfig{Frequency: 400 * machine.KHz})
	display := ssd1306.NewI2C(machine.I2C0)
	display.Configure(ssd1306.Config{Width: 128, Height: 64, Address: 0x3C, VccState: ssd1306.SWITCHCAPVCC})
	display.ClearDisplay()

	dev, err := hcsr04.New(newTrigger(pinTrig), newEcho(pinEcho))
	if err != nil {
		println("[main] sensor setup error:", err.Error())
		return
	}

	b := bus.NewBus(8)
	svcConn := b.NewConnection("rangefinder")
	uiConn := b.NewConnection("ui")

	valSub := uiConn.Subscribe(bus.T("rangefinder", "value"))
	stateSub := uiConn.Subscribe(bus.T("rangefinder", "state"))

	go rangefinder.Run(context.Background(), svcConn, dev, rangefinder.Config{})

	// Wait for the service, then start polling.
	for {
		msg := <-stateSub.Channel()
		if st, ok := msg.Payload.(rangefinder.State); ok && st.Level == "ready" {
			break
		}
	}
	uiConn.Publish(uiConn.NewMessage(
		bus.T("rangefinder", "control", rangefinder.CtrlPollStart),
		rangefinder.PollStart{IntervalMs: pollIntervalMs},
		false,
	))

	for msg := range valSub.Channel() {
		r, ok := msg.Payload.(rangefinder.Reading)
		if !ok {
			continue
		}
		line := formatReading(r)
		println(line)
		uartWriteLine(uart, line)

		display.ClearBuffer()
		tinyfont.WriteLine(&display, &freemono.Regular12pt7b, 4, 30, line, white)
		display.Display()
	}
}

func formatReading(r rangefinder.Reading) string {
	if !r.Valid {
		return "-- no echo --"
	}
	return strconv.FormatFloat(float64(r.DistanceCm), 'f', 1, 32) + " cm [" + r.Link + "]"
}

func uartWriteLine(u *uartx.UART, s string) {
	_, _ = u.Write([]byte(s))
	_, _ = u.Write([]byte("\r\n"))
}
