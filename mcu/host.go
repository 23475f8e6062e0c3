package mcu

import (
	"mcuhost.dev/dict"
	"mcuhost.dev/link"
)

// Host is the subset of Session every Device Object package (stepper,
// endstop, digitalout, pwm, adc) needs, factored into an interface so
// those packages depend on this narrow contract instead of importing
// the session's full lifecycle and configuration machinery, the Go
// shape of the source's MCU object every device holds a reference to.
type Host interface {
	// CreateOID allocates the next dense OID for a new device.
	CreateOID() int64
	// AddConfigCmd appends a rendered config-time command to the
	// frozen-at-commit config command list.
	AddConfigCmd(cmd string)
	// Lookup resolves a command/response template by its format
	// string, failing if the firmware dictionary doesn't declare it.
	Lookup(format string) (dict.Template, error)
	// Send transmits a pre-encoded wire command.
	Send(cmd string, minclock, reqclock int64, cq any)
	// SendWithResponse transmits cmd and awaits one matching response.
	SendWithResponse(cmd string, responseName string, cb link.Callback)
	// AllocCommandQueue returns a new per-peripheral FIFO scope.
	AllocCommandQueue() any
	// SendFlush forces every queued-but-unsent command out to the
	// transport immediately, used by Endstop.HomeFinalize.
	SendFlush()
	// RegisterCallback installs cb for future (message, oid) matches.
	RegisterCallback(key link.CallbackKey, cb link.Callback) int
	// UnregisterCallback removes a previously installed callback.
	UnregisterCallback(token int)
	// ClockFreq is the firmware's reported ticks-per-second.
	ClockFreq() float64
	// RegisterStepQueue records q so the session's Stepper
	// Synchroniser (constructed once move_count is known) merges its
	// output alongside every other stepper's.
	RegisterStepQueue(q StepQueue)
	// GetLastClock is the most recent MCU clock SerialLink has
	// observed in any received message.
	GetLastClock() int64
	// GetPrintClock converts a planner print time into the
	// corresponding MCU tick.
	GetPrintClock(printTime float64) int64
	// TranslateClock expands a wire-truncated clock field against the
	// transport's last known full clock.
	TranslateClock(partial int64) int64
	// IsOffline reports whether the session is Offline Replay Mode, in
	// which a real firmware never answers a query, so polling loops
	// like Endstop.IsHoming must not pretend one will.
	IsOffline() bool
}

// StepQueue is the subset of *stepq.Queue the session's synchroniser
// depends on, mirrored here (rather than imported) so this package
// doesn't need to import stepq just to declare the interface; the
// concrete type devices/stepper registers always satisfies it.
type StepQueue interface {
	Pending() bool
	PeekClock() (clock int64, ok bool)
	PopMsg() (clock int64, msg string)
	GetErrors() int
}
