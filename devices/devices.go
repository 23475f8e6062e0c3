// Package devices is the planner-facing factory for Device Objects,
// the Go analogue of klippy/mcu.py's MCU.create_stepper/create_endstop
// /create_digital_out/create_pwm/create_adc wrapper methods.
// CreateDigitalOut and CreatePWM turn a duration expressed in seconds
// into MCU ticks via the session's clock frequency before constructing
// the underlying object; the other factories pass their arguments
// through unchanged.
package devices

import (
	"mcuhost.dev/devices/adc"
	"mcuhost.dev/devices/digitalout"
	"mcuhost.dev/devices/endstop"
	"mcuhost.dev/devices/pwm"
	"mcuhost.dev/devices/stepper"
	"mcuhost.dev/mcu"
)

// CreateStepper registers a new Stepper device object.
func CreateStepper(host mcu.Host, stepPin, dirPin string, minStopInterval, maxError int64) (*stepper.Stepper, error) {
	return stepper.New(host, stepPin, dirPin, minStopInterval, maxError)
}

// CreateEndstop registers a new Endstop bound to st.
func CreateEndstop(host mcu.Host, pin string, st *stepper.Stepper) (*endstop.Endstop, error) {
	return endstop.New(host, pin, st)
}

// CreateDigitalOut registers a new Digital Output. maxDuration is in
// seconds.
func CreateDigitalOut(host mcu.Host, pin string, maxDuration float64) (*digitalout.DigitalOut, error) {
	return digitalout.New(host, pin, int64(maxDuration*host.ClockFreq()))
}

// PWMOutput is the surface shared by a hardware/software PWM channel
// and a plain digital output standing in for one, letting CreatePWM
// return either behind a single type.
type PWMOutput interface {
	SetPWM(clock, value int64)
	GetPrintClock(printTime float64) int64
}

// CreatePWM registers a PWM-capable output. A nonzero hardCycleTicks
// selects hardware PWM at that cycle length; hardCycleTicks == 0
// selects software PWM at a cycle length of clock_freq/10; maxDuration
// is in seconds.
//
// hardCycleTicks < 0 is preserved from the source unchanged: create_pwm
// tests "if hard_cycle_ticks:", so a negative value routes to hardware
// PWM exactly like a positive one, even though nothing in this call's
// own signature can produce a negative tick count (the config layer
// only ever parses a cycle time into a non-negative tick count). The
// following "< 0" branch is structurally unreachable here exactly as
// it is in create_pwm, never exercised by any caller.
func CreatePWM(host mcu.Host, pin string, hardCycleTicks int64, maxDuration float64) (PWMOutput, error) {
	maxDurationTicks := int64(maxDuration * host.ClockFreq())
	if hardCycleTicks != 0 {
		return pwm.New(host, pin, hardCycleTicks, maxDurationTicks, true)
	}
	if hardCycleTicks < 0 {
		return digitalout.New(host, pin, maxDurationTicks)
	}
	cycleTicks := int64(host.ClockFreq() / 10.0)
	return pwm.New(host, pin, cycleTicks, maxDurationTicks, false)
}

// CreateADC registers a new ADC channel.
func CreateADC(host mcu.Host, pin string) (*adc.ADC, error) {
	return adc.New(host, pin)
}
