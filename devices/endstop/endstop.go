// Package endstop implements the Endstop device object: a homing
// trigger bound to one stepper, grounded on klippy/mcu.py's
// MCU_endstop.
package endstop

import (
	"fmt"
	"sync"

	"mcuhost.dev/dict"
	"mcuhost.dev/link"
	"mcuhost.dev/mcu"
	"mcuhost.dev/pinmap"
)

// retryQuerySeconds is the interval, in wall-clock seconds, between
// re-querying the endstop's live state while homing is in progress.
const retryQuerySeconds = 1.0

// Stepper is the narrow surface Endstop needs from the stepper it's
// homing, avoiding a dependency on the concrete stepper package.
type Stepper interface {
	OID() int64
	NoteStepperStop()
}

// Endstop tracks one homing input and the stepper it stops.
type Endstop struct {
	host    mcu.Host
	oid     int64
	stepper Stepper
	invert  int64
	cmdQ    any

	homeCmd  dict.Template
	queryCmd dict.Template

	retryQueryTicks int64

	mu             sync.Mutex
	homing         bool
	nextQueryClock int64
}

// New registers a config_end_stop command binding pin to stepper's
// OID. pin may carry a "^" pull-up prefix.
func New(host mcu.Host, pin string, stepper Stepper) (*Endstop, error) {
	oid := host.CreateOID()
	p, err := pinmap.Parse(pin, true)
	if err != nil {
		return nil, fmt.Errorf("endstop: %w", err)
	}
	cq := host.AllocCommandQueue()
	host.AddConfigCmd(fmt.Sprintf("config_end_stop oid=%d pin=%s pull_up=%d stepper_oid=%d",
		oid, p.Name, p.Pullup, stepper.OID()))

	homeCmd, err := host.Lookup("end_stop_home oid=%c clock=%u rest_ticks=%u pin_value=%c")
	if err != nil {
		return nil, fmt.Errorf("endstop: %w", err)
	}
	queryCmd, err := host.Lookup("end_stop_query oid=%c")
	if err != nil {
		return nil, fmt.Errorf("endstop: %w", err)
	}

	e := &Endstop{
		host:            host,
		oid:             oid,
		stepper:         stepper,
		invert:          int64(p.Invert),
		cmdQ:            cq,
		homeCmd:         homeCmd,
		queryCmd:        queryCmd,
		retryQueryTicks: int64(host.ClockFreq() * retryQuerySeconds),
	}
	host.RegisterCallback(link.CallbackKey{Message: "end_stop_state", OID: oid}, e.handleState)
	return e, nil
}

// Home starts a homing move: emits end_stop_home with the
// trigger-polarity pin value and arms the first re-query deadline.
func (e *Endstop) Home(clock, restTicks int64) {
	e.mu.Lock()
	e.homing = true
	e.nextQueryClock = clock + e.retryQueryTicks
	e.mu.Unlock()
	msg, err := e.homeCmd.Encode(e.oid, clock, restTicks, 1^e.invert)
	if err != nil {
		panic(fmt.Sprintf("endstop: end_stop_home encode: %v", err))
	}
	e.host.Send(msg, 0, clock, e.cmdQ)
}

// HomeFinalize flushes pending sends and tells the stepper homing has
// ended.
//
// This flushes the transport's already-queued-but-unsent commands; it
// doesn't flush commands still waiting on an unmet minclock.
func (e *Endstop) HomeFinalize() {
	e.host.SendFlush()
	e.stepper.NoteStepperStop()
}

func (e *Endstop) handleState(p dict.Params) bool {
	e.mu.Lock()
	e.homing = p.Int("homing") != 0
	e.mu.Unlock()
	return true
}

// IsHoming polls whether the endstop is still in a homing move,
// re-querying the firmware at most once per retryQueryTicks. Always
// false in Offline Replay Mode, where no firmware will ever answer.
func (e *Endstop) IsHoming() bool {
	e.mu.Lock()
	homing := e.homing
	nextQuery := e.nextQueryClock
	e.mu.Unlock()
	if !homing {
		return false
	}
	if e.host.IsOffline() {
		return false
	}
	last := e.host.GetLastClock()
	if last >= nextQuery {
		e.mu.Lock()
		e.nextQueryClock = last + e.retryQueryTicks
		e.mu.Unlock()
		msg, err := e.queryCmd.Encode(e.oid)
		if err != nil {
			panic(fmt.Sprintf("endstop: end_stop_query encode: %v", err))
		}
		e.host.Send(msg, 0, 0, e.cmdQ)
	}
	return homing
}

// GetPrintClock converts a planner print time into an MCU tick.
func (e *Endstop) GetPrintClock(printTime float64) int64 { return e.host.GetPrintClock(printTime) }
