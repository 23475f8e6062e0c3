//go:build linux && !tinygo

package link

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// openPort on Linux opens the device directly and applies the same
// raw-mode termios settings cmd/controller/debug_rpi.go's openSerial
// sets on its debug UART (ignore parity errors, local/enabled-receiver
// control flags, VMIN=1/VTIME=0 so a single byte is delivered to the
// reader without waiting for a full buffer), rather than going through
// tarm/serial's narrower baud-only configuration.
func openPort(dev string, baud int) (rw io.ReadWriteCloser, err error) {
	if dev == "" {
		dev = "/dev/ttyUSB0"
	}
	f, err := os.OpenFile(dev, unix.O_RDWR|unix.O_NOCTTY, 0666)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()
	conn, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}
	var ctlErr error
	cerr := conn.Control(func(fd uintptr) {
		t, terr := unix.IoctlGetTermios(int(fd), unix.TCGETS)
		if terr != nil {
			ctlErr = terr
			return
		}
		t.Iflag |= unix.IGNPAR
		t.Cflag = unix.CREAD | unix.CLOCAL | unix.CS8
		t.Ispeed = uint32(baud)
		t.Ospeed = uint32(baud)
		t.Cc[unix.VMIN] = 1
		t.Cc[unix.VTIME] = 0
		ctlErr = unix.IoctlSetTermios(int(fd), unix.TCSETS, t)
	})
	if cerr != nil {
		return nil, fmt.Errorf("link: termios: %w", cerr)
	}
	if ctlErr != nil {
		return nil, fmt.Errorf("link: termios: %w", ctlErr)
	}
	return f, nil
}
