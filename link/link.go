// Package link is the transport abstraction every MCU Session command
// and response flows through. In the live Serial transport a single
// goroutine owns the port's reader and drains incoming text lines into
// callbacks registered by (message name, oid), the way the source's
// serialqueue dispatches a parsed response to whichever object asked
// for it; replay.Trace reads nothing and runs no such goroutine.
//
// Two concrete transports satisfy Link: Serial (this package) talks to
// a live firmware over a real port; replay.Trace (a sibling package)
// replays a stored dictionary against a text sink. mcu.Session depends
// only on the interface, never on which one it holds.
package link

import (
	"errors"
	"sync"

	"mcuhost.dev/dict"
)

// CallbackKey identifies the (message name, oid) pair a response
// callback is scoped to. Oid == -1 matches any oid, the Go analogue of
// the source's optional oid=None argument to register_callback.
type CallbackKey struct {
	Message string
	OID     int64
}

// Callback is invoked with a received message's decoded fields.
// Returning false unregisters the callback. A callback registered
// through SendWithResponse is always one-shot regardless of its own
// return value, used by the connect/config handshake waits.
type Callback func(dict.Params) bool

// Stats is the snapshot link.Link.Stats reports, mirroring the
// source's "bytes_write=%d bytes_read=%d bytes_retransmit=%d
// bytes_invalid=%d send_seq=%d receive_seq=%d retransmit_seq=%d
// srtt=%.3f rttvar=%.3f rto=%.3f" debug line.
type Stats struct {
	BytesWrite int64
	BytesRead  int64
	SendSeq    int64
	ReceiveSeq int64
}

// ErrLinkIO is wrapped by every transport-level failure (a closed
// port, a write to a hung-up file), the LinkIOFailure error kind.
var ErrLinkIO = errors.New("link: I/O failure")

// Link is the transport every MCU Session command and response flows
// through, replacing the source's SerialLink.
type Link interface {
	// Connect opens the transport and parses the firmware's
	// self-description dictionary. cachePath, if non-empty, is tried
	// first (see dict.LoadCache) before falling back to a live parse.
	Connect(cachePath string) (*dict.Dictionary, error)

	// Disconnect closes the transport. Safe to call more than once.
	Disconnect() error

	// Send transmits a pre-encoded wire command, scoped to cq's FIFO
	// ordering if cq is non-nil, not to be released before minclock
	// nor needed after reqclock.
	Send(cmd string, minclock, reqclock int64, cq any)

	// SendWithResponse transmits cmd and registers cb against
	// responseName for one matching response only, whatever cb
	// returns.
	SendWithResponse(cmd string, responseName string, cb Callback)

	// SendFlush blocks until every command submitted so far has been
	// written to the transport.
	SendFlush()

	// AllocCommandQueue returns a new opaque per-peripheral FIFO
	// ordering scope.
	AllocCommandQueue() any

	// RegisterCallback installs cb for every future message matching
	// key, returning a token UnregisterCallback accepts.
	RegisterCallback(key CallbackKey, cb Callback) int

	// UnregisterCallback removes a callback installed by
	// RegisterCallback.
	UnregisterCallback(token int)

	// GetClock estimates the MCU clock tick corresponding to
	// eventtime on the host's own clock.
	GetClock(eventtime float64) int64

	// GetLastClock returns the most recent MCU clock the transport has
	// observed, from any received message.
	GetLastClock() int64

	// TranslateClock expands a truncated wire clock value (firmware
	// sends only the low bits that changed) into a full clock using
	// the last observed clock as a reference.
	TranslateClock(partial int64) int64

	// Stats reports cumulative transport counters as of now.
	Stats(now float64) Stats

	// DumpDebug returns a human-readable dump of transport state for
	// a shutdown or crash report.
	DumpDebug() string

	// Dictionary returns the firmware self-description resolved by
	// Connect, nil before a successful Connect.
	Dictionary() *dict.Dictionary
}

// callbackRegistry is Serial's dispatch table: registered callbacks
// keyed by the token RegisterCallback returns, each carrying its
// (message, oid) key. replay.Trace keeps its own token table, since
// this type is unexported.
type callbackRegistry struct {
	mu      sync.Mutex
	next    int
	entries map[int]registered
}

type registered struct {
	key CallbackKey
	cb  Callback
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{entries: make(map[int]registered)}
}

func (r *callbackRegistry) register(key CallbackKey, cb Callback) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	tok := r.next
	r.entries[tok] = registered{key, cb}
	return tok
}

func (r *callbackRegistry) unregister(token int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, token)
}

// dispatch invokes every callback matching message/oid, removing any
// that return false, the way the source prunes a one-shot callback
// after it fires.
func (r *callbackRegistry) dispatch(message string, oid int64, params dict.Params) {
	r.mu.Lock()
	var fire []int
	for tok, e := range r.entries {
		if e.key.Message != message {
			continue
		}
		if e.key.OID != -1 && e.key.OID != oid {
			continue
		}
		fire = append(fire, tok)
	}
	cbs := make(map[int]Callback, len(fire))
	for _, tok := range fire {
		cbs[tok] = r.entries[tok].cb
	}
	r.mu.Unlock()

	for tok, cb := range cbs {
		if !cb(params) {
			r.unregister(tok)
		}
	}
}
