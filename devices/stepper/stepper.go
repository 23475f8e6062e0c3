// Package stepper implements the Stepper device object: the typed
// façade over one physical stepper motor's config-time registration
// and its Step Queue, grounded on klippy/mcu.py's MCU_stepper.
package stepper

import (
	"fmt"

	"mcuhost.dev/dict"
	"mcuhost.dev/mcu"
	"mcuhost.dev/pinmap"
	"mcuhost.dev/stepq"
)

// clockWindow is the distance, in MCU ticks, beyond which a stepper's
// direction/step state can no longer be trusted without an explicit
// reset_step_clock; mirrors the source's hardcoded 2**29.
const clockWindow = int64(1) << 29

// Stepper owns one OID, one Step Queue, and the direction/reset state
// a move planner schedules steps against.
type Stepper struct {
	host mcu.Host
	oid  int64

	invertDir     int64
	sdir          int64
	lastMoveClock int64

	dirCmd dict.Template
	queue  *stepq.Queue
}

// New registers a stepper's config_stepper command and resolves its
// runtime templates. stepPin and dirPin may carry "^"/"!" prefixes per
// pinmap.Parse; minStopInterval and maxError are in MCU ticks.
func New(host mcu.Host, stepPin, dirPin string, minStopInterval, maxError int64) (*Stepper, error) {
	oid := host.CreateOID()
	sp, err := pinmap.Parse(stepPin, false)
	if err != nil {
		return nil, fmt.Errorf("stepper: step_pin: %w", err)
	}
	dp, err := pinmap.Parse(dirPin, false)
	if err != nil {
		return nil, fmt.Errorf("stepper: dir_pin: %w", err)
	}
	host.AddConfigCmd(fmt.Sprintf(
		"config_stepper oid=%d step_pin=%s dir_pin=%s min_stop_interval=%d invert_step=%d",
		oid, sp.Name, dp.Name, minStopInterval, sp.Invert))

	stepCmd, err := host.Lookup("queue_step oid=%c interval=%u count=%hu add=%hi")
	if err != nil {
		return nil, fmt.Errorf("stepper: %w", err)
	}
	resetCmd, err := host.Lookup("reset_step_clock oid=%c clock=%u")
	if err != nil {
		return nil, fmt.Errorf("stepper: %w", err)
	}
	dirCmd, err := host.Lookup("set_next_step_dir oid=%c dir=%c")
	if err != nil {
		return nil, fmt.Errorf("stepper: %w", err)
	}

	q := stepq.New(maxError, stepCmd, resetCmd, oid)
	host.RegisterStepQueue(q)

	s := &Stepper{
		host:          host,
		oid:           oid,
		invertDir:     int64(dp.Invert),
		sdir:          -1,
		lastMoveClock: -clockWindow,
		dirCmd:        dirCmd,
		queue:         q,
	}
	return s, nil
}

// OID returns the stepper's assigned Object ID, consumed by Endstop
// when it registers config_end_stop's stepper_oid field.
func (s *Stepper) OID() int64 { return s.oid }

// SetNextStepDir schedules a direction change at clock. A stale
// reference clock (clockWindow ticks or more since the last
// scheduled move) forces a reset_step_clock first; an unchanged
// direction is a no-op.
func (s *Stepper) SetNextStepDir(sdir, clock int64) {
	if clock-s.lastMoveClock >= clockWindow {
		s.queue.Reset(clock)
	}
	s.lastMoveClock = clock
	if s.sdir == sdir {
		return
	}
	s.sdir = sdir
	msg, err := s.dirCmd.Encode(s.oid, sdir^s.invertDir)
	if err != nil {
		panic(fmt.Sprintf("stepper: set_next_step_dir encode: %v", err))
	}
	s.queue.QueueMsg(clock, msg)
}

// Step appends a single step event at the given MCU tick.
func (s *Stepper) Step(tick int64) { s.queue.Push(tick) }

// StepSqrt forwards a sqrt-profile run of steps to the Step Queue.
func (s *Stepper) StepSqrt(steps int, stepOffset, clockOffset, sqrtOffset, factor float64) int64 {
	return s.queue.PushSqrt(steps, stepOffset, clockOffset, sqrtOffset, factor)
}

// StepFactor forwards a constant-velocity run of steps to the Step
// Queue.
func (s *Stepper) StepFactor(steps int, stepOffset, clockOffset, factor float64) int64 {
	return s.queue.PushFactor(steps, stepOffset, clockOffset, factor)
}

// GetErrors reports the Step Queue's cumulative compression-error
// count.
func (s *Stepper) GetErrors() int { return s.queue.GetErrors() }

// NoteStepperStop discards direction memory and forces the next move
// to re-anchor via reset_step_clock, called once homing completes.
func (s *Stepper) NoteStepperStop() {
	s.sdir = -1
	s.lastMoveClock = -clockWindow
}

// GetPrintClock converts a planner print time into an MCU tick
// through the owning session's Clock Mapper.
func (s *Stepper) GetPrintClock(printTime float64) int64 { return s.host.GetPrintClock(printTime) }
