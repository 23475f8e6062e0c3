//go:build !tinygo

package link

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"mcuhost.dev/dict"
)

// Serial is the live transport: a real firmware over a real port,
// grounded on driver/mjolnir.Open's serial.Config/OpenPort sequence.
// The framing left out of scope by the core this package implements
// (retransmit, CRC16) is represented here as simple newline-delimited
// text lines, each "msgname k=v k=v ..." or the text form
// dict.Template.Encode already produces for a queued command; a real
// deployment would swap this transport for one speaking the firmware's
// actual binary wire protocol without touching anything above Link.
type Serial struct {
	port io.ReadWriteCloser
	dict *dict.Dictionary

	reg *callbackRegistry

	writeMu sync.Mutex
	wstats  struct {
		written int64
		read    int64
		sendSeq int64
		recvSeq int64
	}

	clockMu   sync.Mutex
	lastClock int64
	freq      float64
	syncTime  time.Time
	syncClock int64

	identReader *bufio.Reader // buffered reader allocated by Connect, reused by readLoop
	done        chan struct{}
}

// Open configures and opens dev at baud, returning a Serial ready for
// Connect. An empty dev falls back to a platform default device
// (/dev/ttyUSB0 on Linux, COM3 elsewhere).
func Open(dev string, baud int) (*Serial, error) {
	if baud == 0 {
		baud = 115200
	}
	port, err := openPort(dev, baud)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", dev, err)
	}
	s := &Serial{
		port: port,
		reg:  newCallbackRegistry(),
		done: make(chan struct{}),
	}
	return s, nil
}

// Connect sends "identify", reads the firmware's one-line JSON
// dictionary in reply, and resolves every command/response template
// from it. The identify round trip always happens; a cache hit for
// cachePath (same version as the reply) only skips re-parsing the
// JSON, and a miss writes a fresh cache after the parse.
func (s *Serial) Connect(cachePath string) (d *dict.Dictionary, err error) {
	defer func() {
		// Only start draining the port into callbacks once the
		// synchronous identify read above is done with it.
		if err == nil {
			go s.readLoop()
		}
	}()

	if _, werr := fmt.Fprintln(s.port, "identify"); werr != nil {
		return nil, fmt.Errorf("%w: identify: %v", ErrLinkIO, werr)
	}
	s.writeMu.Lock()
	s.wstats.written++
	s.writeMu.Unlock()

	line, err := s.readDictionaryLine()
	if err != nil {
		return nil, err
	}
	var ident struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal([]byte(line), &ident); err != nil {
		return nil, fmt.Errorf("link: identify response: %w", err)
	}
	if cachePath != "" {
		if cd, ok := dict.LoadCache(cachePath, ident.Version); ok {
			s.dict = cd
			s.setFreq(cd)
			return cd, nil
		}
	}
	pd, err := dict.Parse([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("link: parse dictionary: %w", err)
	}
	s.dict = pd
	s.setFreq(pd)
	if cachePath != "" {
		_ = dict.SaveCache(cachePath, pd)
	}
	return pd, nil
}

func (s *Serial) setFreq(d *dict.Dictionary) {
	freq, _ := strconv.ParseFloat(d.Config["CLOCK_FREQ"], 64)
	s.clockMu.Lock()
	s.freq = freq
	s.syncTime = time.Now()
	s.clockMu.Unlock()
}

// readDictionaryLine blocks until the first line arrives directly
// (Connect runs before the dispatch loop has any callbacks to satisfy
// it, so it reads the raw stream once itself).
func (s *Serial) readDictionaryLine() (string, error) {
	br := bufio.NewReader(s.port)
	line, err := br.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: identify: %v", ErrLinkIO, err)
	}
	s.identReader = br
	return strings.TrimSpace(line), nil
}

func (s *Serial) readLoop() {
	br := s.identReader
	if br == nil {
		br = bufio.NewReader(s.port)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.writeMu.Lock()
		s.wstats.read += int64(len(line))
		s.wstats.recvSeq++
		s.writeMu.Unlock()
		s.handleLine(line)
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Serial) handleLine(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	name := fields[0]
	params := dict.Params{}
	var oid int64 = -1
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		params[k] = n
		if k == "oid" {
			oid = n
		}
	}
	if clk, ok := params["clock"]; ok {
		s.observeClock(clk)
	}
	s.reg.dispatch(name, oid, params)
}

func (s *Serial) observeClock(clock int64) {
	s.clockMu.Lock()
	s.lastClock = clock
	s.syncClock = clock
	s.syncTime = time.Now()
	s.clockMu.Unlock()
}

func (s *Serial) Disconnect() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.port.Close()
}

func (s *Serial) Send(cmd string, minclock, reqclock int64, cq any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	fmt.Fprintln(s.port, cmd)
	s.wstats.written += int64(len(cmd)) + 1
	s.wstats.sendSeq++
}

// SendWithResponse is always one-shot: the registered callback is
// unregistered after the first matching response regardless of what cb
// itself returns, so a retransmitted or duplicate response can never
// dispatch to a callback whose caller has already moved on.
func (s *Serial) SendWithResponse(cmd string, responseName string, cb Callback) {
	s.reg.register(CallbackKey{Message: responseName, OID: -1}, func(p dict.Params) bool {
		cb(p)
		return false
	})
	s.Send(cmd, 0, 0, nil)
}

func (s *Serial) SendFlush() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
}

func (s *Serial) AllocCommandQueue() any {
	return new(struct{})
}

func (s *Serial) RegisterCallback(key CallbackKey, cb Callback) int {
	return s.reg.register(key, cb)
}

func (s *Serial) UnregisterCallback(token int) {
	s.reg.unregister(token)
}

// GetClock estimates the MCU tick corresponding to eventtime (host
// wall-clock Unix time in seconds) by projecting forward from the last
// observed (host_time, mcu_clock) correspondence at the firmware's
// reported tick frequency, the Go analogue of the source's regression
// over recent round trips.
func (s *Serial) GetClock(eventtime float64) int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	if s.freq == 0 {
		return 0
	}
	elapsed := eventtime - float64(s.syncTime.Unix())
	return s.syncClock + int64(elapsed*s.freq)
}

func (s *Serial) GetLastClock() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return s.lastClock
}

// TranslateClock expands a wire-truncated clock value into the full
// 64-bit clock nearest the last observed clock, resolving the
// ambiguity by picking whichever candidate (same top bits, one less,
// one more) is closest to lastClock. The firmware only ever sends the
// low 32 bits of its free-running counter.
func (s *Serial) TranslateClock(partial int64) int64 {
	s.clockMu.Lock()
	last := s.lastClock
	s.clockMu.Unlock()
	const mask = int64(1) << 32
	base := last &^ (mask - 1)
	best := base | (partial & (mask - 1))
	for _, cand := range []int64{best - mask, best, best + mask} {
		if abs64(cand-last) < abs64(best-last) {
			best = cand
		}
	}
	return best
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (s *Serial) Stats(now float64) Stats {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return Stats{
		BytesWrite: s.wstats.written,
		BytesRead:  s.wstats.read,
		SendSeq:    s.wstats.sendSeq,
		ReceiveSeq: s.wstats.recvSeq,
	}
}

func (s *Serial) DumpDebug() string {
	st := s.Stats(0)
	return fmt.Sprintf("bytes_write=%d bytes_read=%d send_seq=%d receive_seq=%d",
		st.BytesWrite, st.BytesRead, st.SendSeq, st.ReceiveSeq)
}

func (s *Serial) Dictionary() *dict.Dictionary { return s.dict }
