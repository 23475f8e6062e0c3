// Package replay provides an offline link.Link that satisfies
// configuration from a previously captured firmware dictionary and
// writes every command to a text trace instead of a live serial port,
// so a planner can be exercised end to end without hardware attached.
//
// Grounded on the corpus's own in-process hardware test doubles
// (driver/mjolnir.NewSimulator's goroutine-owned state machine,
// exercised by driver_test.go's TestEndToEnd): Trace plays the same
// role here that Simulator plays for the engraver driver, a second
// concrete type behind the same interface the real hardware path uses.
package replay

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"mcuhost.dev/dict"
	"mcuhost.dev/link"
)

// Trace is an offline link.Link: connect_file's dictionary-from-disk,
// commands-to-text-sink mode from the source.
type Trace struct {
	dictionary *dict.Dictionary
	sink       *bufio.Writer

	mu        sync.Mutex
	seq       int64
	lastClock int64

	reg *registry
}

// New constructs a Trace that serves d as the firmware's
// self-description and writes every command to sink as a line of
// text, one command per line in submission order.
func New(d *dict.Dictionary, sink io.Writer) *Trace {
	return &Trace{
		dictionary: d,
		sink:       bufio.NewWriter(sink),
		reg:        newRegistry(),
	}
}

// Connect ignores cachePath: the dictionary offline replay serves was
// already supplied to New, never fetched over a link.
func (t *Trace) Connect(cachePath string) (*dict.Dictionary, error) {
	return t.dictionary, nil
}

func (t *Trace) Disconnect() error {
	return t.sink.Flush()
}

func (t *Trace) Send(cmd string, minclock, reqclock int64, cq any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.sink, cmd)
	t.seq++
	if reqclock > t.lastClock {
		t.lastClock = reqclock
	}
}

func (t *Trace) SendWithResponse(cmd string, responseName string, cb link.Callback) {
	// Offline replay never hears back from firmware: satisfy
	// connect-time response waits immediately with an empty params
	// bag so callers blocked on a one-shot callback proceed rather
	// than hang waiting for a reply that will never arrive.
	t.Send(cmd, 0, 0, nil)
	cb(dict.Params{})
}

func (t *Trace) SendFlush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink.Flush()
}

func (t *Trace) AllocCommandQueue() any {
	return new(struct{})
}

func (t *Trace) RegisterCallback(key link.CallbackKey, cb link.Callback) int {
	return t.reg.register(key, cb)
}

func (t *Trace) UnregisterCallback(token int) {
	t.reg.unregister(token)
}

// GetClock returns 0: offline replay has no firmware clock to
// correspond eventtime against.
func (t *Trace) GetClock(eventtime float64) int64 { return 0 }

func (t *Trace) GetLastClock() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastClock
}

func (t *Trace) TranslateClock(partial int64) int64 { return partial }

func (t *Trace) Stats(now float64) link.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return link.Stats{SendSeq: t.seq}
}

func (t *Trace) DumpDebug() string {
	return fmt.Sprintf("replay trace: %d commands emitted", t.Stats(0).SendSeq)
}

func (t *Trace) Dictionary() *dict.Dictionary { return t.dictionary }

// registry mirrors link's unexported callbackRegistry; duplicated
// rather than imported since the dispatch table is link-package
// internal and Trace has no received wire traffic of its own to feed
// it (SendWithResponse resolves synchronously), but UnregisterCallback
// must still be a safe no-op on a registered token.
type registry struct {
	mu      sync.Mutex
	next    int
	entries map[int]struct{}
}

func newRegistry() *registry {
	return &registry{entries: make(map[int]struct{})}
}

func (r *registry) register(key link.CallbackKey, cb link.Callback) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries[r.next] = struct{}{}
	return r.next
}

func (r *registry) unregister(token int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, token)
}
