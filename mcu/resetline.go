package mcu

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// pulseResetLine hard-resets the MCU board by driving the named host
// GPIO pin low then high before the serial port is opened, grounded on
// driver/wshat.Open's host.Init()-then-configure-pins sequence. A host
// without GPIO access (a development machine, a container) must still
// be able to reach the firmware over serial, so failures here are
// reported to the caller to log, never fatal to Connect.
func pulseResetLine(name string) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("host.Init: %w", err)
	}
	out := gpioreg.ByName(name)
	if out == nil {
		return fmt.Errorf("no such gpio pin %q", name)
	}
	if err := out.Out(gpio.Low); err != nil {
		return fmt.Errorf("drive %q low: %w", name, err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := out.Out(gpio.High); err != nil {
		return fmt.Errorf("drive %q high: %w", name, err)
	}
	return nil
}
