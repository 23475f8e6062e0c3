// Package digitalout implements the Digital Output device object,
// grounded on klippy/mcu.py's MCU_digital_out.
package digitalout

import (
	"fmt"

	"mcuhost.dev/dict"
	"mcuhost.dev/mcu"
	"mcuhost.dev/pinmap"
)

// DigitalOut is a single scheduled on/off output line.
type DigitalOut struct {
	host   mcu.Host
	oid    int64
	invert int64
	cmdQ   any
	setCmd dict.Template

	lastClock int64
	lastValue int64
	haveLast  bool
}

// New registers a config_digital_out command. maxDuration is in MCU
// ticks; default_value is the invert bit, so the idle-asserted level
// matches what the wire calls "inactive".
func New(host mcu.Host, pin string, maxDuration int64) (*DigitalOut, error) {
	oid := host.CreateOID()
	p, err := pinmap.Parse(pin, false)
	if err != nil {
		return nil, fmt.Errorf("digitalout: %w", err)
	}
	cq := host.AllocCommandQueue()
	host.AddConfigCmd(fmt.Sprintf("config_digital_out oid=%d pin=%s default_value=%d max_duration=%d",
		oid, p.Name, p.Invert, maxDuration))

	setCmd, err := host.Lookup("schedule_digital_out oid=%c clock=%u value=%c")
	if err != nil {
		return nil, fmt.Errorf("digitalout: %w", err)
	}
	return &DigitalOut{host: host, oid: oid, invert: int64(p.Invert), cmdQ: cq, setCmd: setCmd}, nil
}

// SetDigital schedules value (XORed with the pin's invert bit) at
// clock.
func (d *DigitalOut) SetDigital(clock, value int64) {
	msg, err := d.setCmd.Encode(d.oid, clock, value^d.invert)
	if err != nil {
		panic(fmt.Sprintf("digitalout: schedule_digital_out encode: %v", err))
	}
	d.host.Send(msg, d.lastClock, clock, d.cmdQ)
	d.lastClock = clock
	d.lastValue = value
	d.haveLast = true
}

// GetLastSetting returns the most recently scheduled value, if any.
func (d *DigitalOut) GetLastSetting() (value int64, ok bool) { return d.lastValue, d.haveLast }

// SetPWM is a digital output's approximation of a PWM duty cycle:
// thresholded to fully on above 127, fully off otherwise.
func (d *DigitalOut) SetPWM(clock, value int64) {
	dval := int64(0)
	if value > 127 {
		dval = 1
	}
	d.SetDigital(clock, dval)
}

// GetPrintClock converts a planner print time into an MCU tick.
func (d *DigitalOut) GetPrintClock(printTime float64) int64 { return d.host.GetPrintClock(printTime) }
