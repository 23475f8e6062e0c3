// Package stepq compresses an arbitrary sequence of per-step MCU-tick
// timestamps into a compact stream of parameterised
// queue_step(interval, count, add) commands, bounding the
// reconstruction error of every pulse to at most max_error ticks.
//
// Unlike the source this core is modeled on, which pushes step times
// across an FFI boundary into a native stepcompress_alloc arena, this
// is a pure in-language module: a stepq.Queue is an ordinary Go value
// the owning device holds directly, and the Stepper Synchroniser reads
// it through a slice of *Queue rather than an opaque native handle.
package stepq

import (
	"fmt"
	"math"

	"mcuhost.dev/dict"
)

// maxCount is the largest pulse count a single queue_step command can
// carry (the wire "count" field is a 16-bit unsigned quantity).
const maxCount = 0xffff

// Command is one emitted, already-encoded wire message bound to the
// MCU tick at which it must execute.
type Command struct {
	Clock int64
	Msg   string
}

// Queue is a per-stepper append-only buffer of future step events. It
// compresses runs of steps into queue_step commands with bounded
// error and holds an output FIFO the Stepper Synchroniser drains.
type Queue struct {
	maxError int64
	stepCmd  dict.Template
	resetCmd dict.Template
	oid      int64

	base int64 // the clock the next window's interval is measured from

	open     bool
	winBase  int64
	interval int64
	add      int64
	count    int
	haveAdd  bool

	out  []Command
	errs int
	last int64 // clock of the most recently emitted command
}

// New creates a step queue for one stepper. stepCmd and resetCmd are
// the resolved "queue_step" and "reset_step_clock" templates for this
// MCU; oid identifies the owning stepper in every emitted command.
func New(maxError int64, stepCmd, resetCmd dict.Template, oid int64) *Queue {
	return &Queue{maxError: maxError, stepCmd: stepCmd, resetCmd: resetCmd, oid: oid}
}

// GetErrors returns the count of compression failures seen since the
// queue was created: targets the compressor could not place inside
// max_error of any representable (interval, add) pair.
func (q *Queue) GetErrors() int { return q.errs }

// LastClock returns the execution clock of the most recently emitted
// command, used by the Synchroniser to reason about per-queue
// readiness.
func (q *Queue) LastClock() int64 { return q.last }

// Pending reports whether the queue has output ready to drain.
func (q *Queue) Pending() bool { return len(q.out) > 0 }

// PeekClock returns the execution clock of the next undrained command
// without removing it.
func (q *Queue) PeekClock() (clock int64, ok bool) {
	if len(q.out) == 0 {
		return 0, false
	}
	return q.out[0].Clock, true
}

// Pop removes and returns the next undrained command. Callers must
// check Pending or PeekClock first.
func (q *Queue) Pop() Command {
	c := q.out[0]
	q.out = q.out[1:]
	return c
}

// PopMsg is Pop decomposed into its clock and wire text, satisfying
// the narrow interface stepsync.Synchroniser depends on.
func (q *Queue) PopMsg() (clock int64, msg string) {
	c := q.Pop()
	return c.Clock, c.Msg
}

// Push appends a single step target at the given MCU tick. Targets
// must arrive in strictly non-decreasing order.
func (q *Queue) Push(target int64) {
	if !q.open {
		q.openWindow(target)
		return
	}
	if !q.haveAdd {
		// Second point of the window: solve for the unique integer
		// add that reconstructs it exactly, time[2] = base + 2*interval + add.
		want := target - q.winBase - 2*q.interval
		if want >= math.MinInt16 && want <= math.MaxInt16 {
			q.add = want
			q.haveAdd = true
			q.count = 2
			return
		}
		q.closeWindow()
		q.openWindow(target)
		return
	}
	m := int64(q.count + 1)
	predicted := q.winBase + m*q.interval + q.add*(m*(m-1)/2)
	if abs(predicted-target) <= q.maxError && q.count+1 <= maxCount {
		q.count++
		return
	}
	q.closeWindow()
	q.openWindow(target)
}

// PushSqrt appends steps events whose k-th tick is clock_offset +
// sqrt(sqrt_offset + factor*(k+step_offset)), for k in
// [0, steps). It returns the clock of the last generated event.
func (q *Queue) PushSqrt(steps int, stepOffset, clockOffset, sqrtOffset, factor float64) int64 {
	var last int64
	for k := 0; k < steps; k++ {
		v := sqrtOffset + factor*(float64(k)+stepOffset)
		t := clockOffset + math.Sqrt(v)
		tick := roundTick(t)
		q.Push(tick)
		last = tick
	}
	return last
}

// PushFactor appends steps events whose k-th tick is clock_offset +
// factor*(k+step_offset), for k in [0, steps). It returns the last
// clock.
func (q *Queue) PushFactor(steps int, stepOffset, clockOffset, factor float64) int64 {
	var last int64
	for k := 0; k < steps; k++ {
		t := clockOffset + factor*(float64(k)+stepOffset)
		tick := roundTick(t)
		q.Push(tick)
		last = tick
	}
	return last
}

// QueueMsg enqueues an already-encoded command at the current
// position in the stream, preserving ordering with step commands: any
// open compression window is flushed first.
func (q *Queue) QueueMsg(clock int64, msg string) {
	if q.open {
		q.closeWindow()
	}
	q.out = append(q.out, Command{Clock: clock, Msg: msg})
	q.last = clock
}

// Reset marks clock as the new reference point: any open compression
// window is flushed, and a reset_step_clock command is emitted so the
// MCU's own notion of the stepper's last step time is re-anchored.
func (q *Queue) Reset(clock int64) {
	if q.open {
		q.closeWindow()
	}
	q.base = clock
	msg, err := q.resetCmd.Encode(q.oid, clock)
	if err != nil {
		// The reset template is resolved once at connect; a mismatch
		// here means the firmware dictionary changed shape, which is
		// a programming error, not a runtime condition.
		panic(fmt.Sprintf("stepq: reset_step_clock encode: %v", err))
	}
	q.out = append(q.out, Command{Clock: clock, Msg: msg})
	q.last = clock
}

func (q *Queue) openWindow(target int64) {
	q.open = true
	q.winBase = q.base
	q.interval = target - q.winBase
	if q.interval < 0 {
		// The target precedes the queue's current reference clock; no
		// representable interval covers it. Record the failure,
		// clamp, and carry on rather than abort the print.
		q.errs++
		q.interval = 0
	}
	q.count = 1
	q.haveAdd = false
	q.add = 0
}

// closeWindow emits the currently open window as a queue_step command
// and advances the queue's base clock to the window's last
// reconstructed tick, the reference the next window's interval is
// measured from.
func (q *Queue) closeWindow() {
	last := q.winBase + int64(q.count)*q.interval + q.add*int64(q.count*(q.count-1)/2)
	firstClock := q.winBase + q.interval
	msg, err := q.stepCmd.Encode(q.oid, q.interval, int64(q.count), q.add)
	if err != nil {
		panic(fmt.Sprintf("stepq: queue_step encode: %v", err))
	}
	q.out = append(q.out, Command{Clock: firstClock, Msg: msg})
	q.last = firstClock
	q.base = last
	q.open = false
	q.count = 0
}

// Flush closes any in-progress compression window without waiting for
// more targets, so pending steps become visible to the Synchroniser.
// Call at the end of a planner segment, not between every push.
func (q *Queue) Flush() {
	if q.open {
		q.closeWindow()
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func roundTick(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}
