package device

import (
	"errors"
	"fmt"
	"os"

	pppmodem "github.com/jaracil/pppmodem"
)

// ErrNoDTR is returned by DTRPower on transports without a DTR line.
var ErrNoDTR = errors.New("device: transport has no DTR line")

// PowerControl switches modem power.
type PowerControl interface {
	SetPower(t pppmodem.Transport, on bool) error
}

type dtrSetter interface {
	SetDTR(on bool) error
}

// DTRPower drives modem power through the serial DTR line.
type DTRPower struct {
	// Invert drops DTR to power the modem on.
	Invert bool
}

func (d DTRPower) SetPower(t pppmodem.Transport, on bool) error {
	line, ok := t.(dtrSetter)
	if !ok {
		return ErrNoDTR
	}
	return line.SetDTR(on != d.Invert)
}

// GPIOPower drives modem power through a sysfs GPIO value file,
// e.g. /sys/class/gpio/gpio17/value. The pin must already be exported as an output.
type GPIOPower struct {
	Path      string
	ActiveLow bool
}

func (g GPIOPower) SetPower(_ pppmodem.Transport, on bool) error {
	v := "0"
	if on != g.ActiveLow {
		v = "1"
	}
	if err := os.WriteFile(g.Path, []byte(v), 0); err != nil {
		return fmt.Errorf("device: gpio %s: %w", g.Path, err)
	}
	return nil
}
