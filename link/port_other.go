//go:build !linux && !tinygo

package link

import (
	"io"

	"github.com/tarm/serial"
)

// openPort on non-Linux platforms goes through tarm/serial directly,
// the same call driver/mjolnir.Open makes; there is no portable ioctl
// to apply the Linux termios tuning in port_linux.go.
func openPort(dev string, baud int) (io.ReadWriteCloser, error) {
	if dev == "" {
		dev = "COM3"
	}
	c := &serial.Config{Name: dev, Baud: baud}
	return serial.OpenPort(c)
}
