// Package periphgpio adapts a periph.io GPIO output to the transceiver
// driver-enable contract.
package periphgpio

import (
	"periph.io/x/periph/conn/gpio"

	"github.com/airgiants/esp-dmx/types"
)

// Pin drives an RS-485 transceiver's DE/nRE pair from one GPIO.
type Pin struct {
	out gpio.PinIO
	// Invert flips the polarity for transceivers with an active-low DE.
	Invert bool
}

var _ types.DEPin = (*Pin)(nil)

func New(out gpio.PinIO) *Pin { return &Pin{out: out} }

func (p *Pin) Set(tx bool) {
	if p.Invert {
		tx = !tx
	}
	_ = p.out.Out(gpio.Level(tx))
}
