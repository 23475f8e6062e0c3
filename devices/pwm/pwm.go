// Package pwm implements the PWM Output device object (both hard and
// soft PWM variants), grounded on klippy/mcu.py's MCU_pwm.
package pwm

import (
	"fmt"

	"mcuhost.dev/dict"
	"mcuhost.dev/mcu"
)

// PWM is a single scheduled pulse-width output, hardware-timed
// (config_pwm_out) or software-timed (config_soft_pwm_out).
//
// Unlike the other device objects, the source never runs this pin
// string through parse_pin_extras: config_pwm_out/config_soft_pwm_out
// take the literal pin text as given, carried forward unchanged here.
type PWM struct {
	host   mcu.Host
	oid    int64
	cmdQ   any
	setCmd dict.Template

	lastClock int64
}

// New registers either config_pwm_out (hardPWM true) or
// config_soft_pwm_out (hardPWM false). cycleTicks and maxDuration are
// in MCU ticks.
func New(host mcu.Host, pin string, cycleTicks, maxDuration int64, hardPWM bool) (*PWM, error) {
	oid := host.CreateOID()
	cq := host.AllocCommandQueue()

	var setFormat string
	if hardPWM {
		host.AddConfigCmd(fmt.Sprintf("config_pwm_out oid=%d pin=%s cycle_ticks=%d default_value=0 max_duration=%d",
			oid, pin, cycleTicks, maxDuration))
		setFormat = "schedule_pwm_out oid=%c clock=%u value=%c"
	} else {
		host.AddConfigCmd(fmt.Sprintf("config_soft_pwm_out oid=%d pin=%s cycle_ticks=%d default_value=0 max_duration=%d",
			oid, pin, cycleTicks, maxDuration))
		setFormat = "schedule_soft_pwm_out oid=%c clock=%u value=%c"
	}
	setCmd, err := host.Lookup(setFormat)
	if err != nil {
		return nil, fmt.Errorf("pwm: %w", err)
	}
	return &PWM{host: host, oid: oid, cmdQ: cq, setCmd: setCmd}, nil
}

// SetPWM schedules a new duty-cycle value at clock.
func (w *PWM) SetPWM(clock, value int64) {
	msg, err := w.setCmd.Encode(w.oid, clock, value)
	if err != nil {
		panic(fmt.Sprintf("pwm: schedule_pwm_out encode: %v", err))
	}
	w.host.Send(msg, w.lastClock, clock, w.cmdQ)
	w.lastClock = clock
}

// GetPrintClock converts a planner print time into an MCU tick.
func (w *PWM) GetPrintClock(printTime float64) int64 { return w.host.GetPrintClock(printTime) }
