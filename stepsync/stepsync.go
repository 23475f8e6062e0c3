// Package stepsync merges the per-stepper command streams produced by
// stepq.Queue into a single globally time-ordered stream and submits
// it to the transport, pacing delivery so the firmware's move buffer
// is never asked to hold more than its reported capacity.
//
// The source passes the set of native step queues to a single native
// steppersync_alloc/_flush pair across an FFI boundary; here the
// synchroniser simply holds a slice of *stepq.Queue (there is no FFI
// boundary in Go to guard against circular ownership between a
// stepper and the session that owns it).
package stepsync

// Sender is the subset of the serial transport the synchroniser needs
// to deliver a compressed command.
type Sender interface {
	// Send transmits msg, asking the transport not to release it to
	// the wire before minclock nor after the firmware would need it
	// at reqclock; cq scopes the command to one peripheral's FIFO
	// ordering context.
	Send(msg string, minclock, reqclock int64, cq any)
}

// Queue adapts *stepq.Queue (or a test double) to the Synchroniser's
// minimal needs without importing stepq, keeping this package's
// dependency surface to exactly what it uses.
type Queue interface {
	Pending() bool
	PeekClock() (clock int64, ok bool)
	PopMsg() (clock int64, msg string)
}

// Synchroniser is the cross-stepper flush coordinator: it releases
// compressed commands from every step queue up to a moving horizon
// clock, in non-decreasing execution-clock order, while keeping the
// number of commands outstanding in the firmware at or below
// moveCount.
type Synchroniser struct {
	sender    Sender
	queues    []Queue
	moveCount int
	cqs       []any // per-queue command-queue handle, parallel to queues

	sent  int64      // total commands ever submitted to the transport
	acked func() int // total commands the firmware has executed; nil in tests that don't care
}

// New constructs a Synchroniser over the given step queues once the
// full set is known and the MCU has reported its move buffer
// capacity.
func New(sender Sender, queues []Queue, cqs []any, moveCount int) *Synchroniser {
	return &Synchroniser{sender: sender, queues: queues, cqs: cqs, moveCount: moveCount}
}

// SetAckProgress installs a callback the Synchroniser polls for how
// many previously submitted commands the firmware has executed, used
// to keep outstanding within moveCount. Tests that never approach the
// limit can leave this unset.
func (s *Synchroniser) SetAckProgress(acked func() int) {
	s.acked = acked
}

// Flush releases from every step queue every command whose execution
// clock is <= horizon, merged into a single non-decreasing stream and
// submitted to the transport with reqclock = command clock. Flushing
// an empty range (no queue has anything ready) is a no-op.
func (s *Synchroniser) Flush(horizon int64) {
	for {
		best := -1
		var bestClock int64
		for i, q := range s.queues {
			c, ok := q.PeekClock()
			if !ok || c > horizon {
				continue
			}
			if best == -1 || c < bestClock {
				best = i
				bestClock = c
			}
		}
		if best == -1 {
			return
		}
		if s.moveCount > 0 && s.outstandingCount() >= s.moveCount {
			// Firmware buffer full: stop releasing more commands
			// until acknowledgement progress frees room.
			return
		}
		clock, msg := s.queues[best].PopMsg()
		var cq any
		if best < len(s.cqs) {
			cq = s.cqs[best]
		}
		s.sender.Send(msg, 0, clock, cq)
		s.sent++
	}
}

// outstandingCount is the number of submitted commands the firmware
// has not yet reported executing. Without an ack callback installed,
// the Synchroniser assumes the firmware drains instantly (no
// backpressure applied) rather than stalling on an unset moveCount.
func (s *Synchroniser) outstandingCount() int {
	if s.acked == nil {
		return 0
	}
	o := s.sent - int64(s.acked())
	if o < 0 {
		o = 0
	}
	return int(o)
}
