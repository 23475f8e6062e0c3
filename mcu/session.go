// Package mcu implements the MCU Session: the connect-to-commit
// lifecycle, OID allocation, configuration CRC handshake, statistics,
// and shutdown handling that ties the Clock Mapper, Step Queues,
// Stepper Synchroniser, and Device Objects into one coherent
// connection to a single firmware instance.
//
// Grounded on klippy/mcu.py's MCU class: connect/connect_file,
// build_config/_send_config's retry loop, create_oid/add_config_cmd,
// the periodic stats message, and handle_shutdown's idempotence.
package mcu

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"

	"mcuhost.dev/clock"
	"mcuhost.dev/dict"
	"mcuhost.dev/link"
	"mcuhost.dev/pinmap"
	"mcuhost.dev/replay"
	"mcuhost.dev/stepsync"
)

// Sentinel errors for the fatal/terminal kinds a caller may want to
// distinguish with errors.Is, matching the corpus's ErrCancelled
// pattern (driver/mjolnir/driver.go) rather than ad hoc string checks.
var (
	// ErrConfigMismatch is returned by BuildConfig when the firmware's
	// reported CRC over its committed config differs from the CRC the
	// host computed over the same command list.
	ErrConfigMismatch = errors.New("mcu: printer CRC does not match config")
	// ErrShutdown prefixes the log line written when the firmware
	// first reports shutdown or is_shutdown. It is never returned from
	// a call; the OnShutdown handler is what tells the caller.
	ErrShutdown = errors.New("mcu: firmware shutdown")
)

// Config is the set of configuration options consumed from the
// printer's config file: baud, serial device, optional symbolic pin
// map name, and raw custom config lines.
type Config struct {
	Serial   string // default /dev/ttyS0
	Baud     int    // default 115200
	PinMap   string // optional symbolic name; empty uses the firmware's default map
	Custom   string // newline-separated raw config lines, "#" starts a comment
	CachePath string // optional dictionary disk cache path
	ResetPin string // optional host GPIO pin name that hard-resets the board before connect
}

// Session is one configured connection to a firmware instance: the Go
// analogue of klippy's MCU object.
type Session struct {
	cfg  Config
	link link.Link
	dict *dict.Dictionary

	mu         sync.Mutex
	numOIDs    int64
	configCmds []string
	configCRC  uint32
	committed  bool

	clock *clock.Mapper

	// offline is set by ConnectFile: build_config skips the real
	// get_config/finalize_config handshake and just initializes the
	// synchroniser with a fixed capacity, since there is no firmware
	// to hand a config CRC to.
	offline bool
	// replayUnpaced mirrors connect_file(pace=false)'s neutering of
	// set_print_start_time/get_print_buffer_time so the planner runs
	// flat-out against a dictionary with no real firmware to pace
	// against. False in live mode and in a pace=true replay.
	replayUnpaced bool

	stepQueues []StepQueue
	sync       *stepsync.Synchroniser

	isShutdown bool
	onShutdown func(name, msg string)

	tickAvg    float64
	tickStddev float64
}

// New constructs an unconnected Session. Call Connect (live hardware)
// or ConnectFile (offline replay) before creating any Device Object.
func New(cfg Config) *Session {
	if cfg.Serial == "" {
		cfg.Serial = "/dev/ttyS0"
	}
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	return &Session{cfg: cfg}
}

// OnShutdown installs the callback invoked the first time the
// firmware reports shutdown or is_shutdown. Later invocations of the
// same terminal event are idempotent no-ops.
func (s *Session) OnShutdown(fn func(name, msg string)) {
	s.onShutdown = fn
}

// Connect opens the live serial transport, pulses the optional Host
// Reset Line, and resolves the firmware's self-description.
func (s *Session) Connect() error {
	if s.cfg.ResetPin != "" {
		if err := pulseResetLine(s.cfg.ResetPin); err != nil {
			log.Printf("mcu: host reset line: %v", err)
		}
	}
	sl, err := link.Open(s.cfg.Serial, s.cfg.Baud)
	if err != nil {
		return fmt.Errorf("mcu: connect: %w", err)
	}
	d, err := sl.Connect(s.cfg.CachePath)
	if err != nil {
		return fmt.Errorf("mcu: connect: %w", err)
	}
	s.link = sl
	return s.afterConnect(d)
}

// ConnectFile selects Offline Replay Mode: configuration is satisfied
// from dictionary and every command is written to sink as text rather
// than sent to live hardware. pace=false neuters SetPrintStartTime and
// makes GetPrintBufferTime return a constant 0.250s so the planner runs
// unthrottled; pace=true leaves both computing from the replay link's
// clock.
func (s *Session) ConnectFile(sink io.Writer, dictionary *dict.Dictionary, pace bool) error {
	s.offline = true
	s.replayUnpaced = !pace
	s.link = replay.New(dictionary, sink)
	return s.afterConnect(dictionary)
}

// offlineSteppersyncCapacity is the fixed move_count a replay session
// initializes its Stepper Synchroniser with, standing in for the
// move_count a real firmware would report during the config
// handshake replay mode skips entirely.
const offlineSteppersyncCapacity = 500

func (s *Session) afterConnect(d *dict.Dictionary) error {
	s.dict = d
	freq, err := strconv.ParseFloat(d.Config["CLOCK_FREQ"], 64)
	if err != nil {
		return fmt.Errorf("mcu: missing or invalid CLOCK_FREQ: %w", err)
	}
	s.clock = clock.NewMapper(freq)

	s.link.RegisterCallback(link.CallbackKey{Message: "shutdown", OID: -1}, s.handleShutdown)
	s.link.RegisterCallback(link.CallbackKey{Message: "is_shutdown", OID: -1}, s.handleShutdown)
	s.link.RegisterCallback(link.CallbackKey{Message: "stats", OID: -1}, s.handleStats)
	return nil
}

// handleShutdown implements handle_shutdown's idempotence: the first
// shutdown or is_shutdown message dumps transport debug state and
// fires OnShutdown; every later one, from either message name, is a
// silent no-op.
//
// The firmware-supplied shutdown name and message (the source's
// params['#name']/['#msg']) are string-table lookups this core's
// simplified text wire protocol doesn't carry, so the dump is keyed on
// the transport's debug state alone.
func (s *Session) handleShutdown(p dict.Params) bool {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return true
	}
	s.isShutdown = true
	s.mu.Unlock()
	log.Printf("%v: %s", ErrShutdown, s.link.DumpDebug())
	if s.onShutdown != nil {
		s.onShutdown("", "")
	}
	return true
}

// handleStats decodes the periodic "stats count=… sum=… sumsq=…"
// message into the running average/stddev of MCU task scheduling
// latency, the same formula klippy's handle_mcu_stats computes:
// avg = c·sum and stddev = c·sqrt(n·sumsq·256 − sum²), with
// c = 1/(count·clock_freq) and sumsq reported divided by 256.
func (s *Session) handleStats(p dict.Params) bool {
	count := p.Int("count")
	if count == 0 {
		return true
	}
	tickSum := float64(p.Int("sum"))
	tickSumSq := float64(p.Int("sumsq")) * 256
	c := 1.0 / (float64(count) * s.clock.Freq())
	s.mu.Lock()
	s.tickAvg = tickSum * c
	s.tickStddev = c * math.Sqrt(float64(count)*tickSumSq-tickSum*tickSum)
	s.mu.Unlock()
	return true
}

// CreateOID allocates the next dense Object ID.
func (s *Session) CreateOID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	oid := s.numOIDs
	s.numOIDs++
	return oid
}

// AddConfigCmd appends cmd to the config command list. Calling it
// after BuildConfig has committed the list is a programming error.
func (s *Session) AddConfigCmd(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed {
		panic("mcu: add_config_cmd after finalize_config")
	}
	s.configCmds = append(s.configCmds, cmd)
}

func (s *Session) Lookup(format string) (dict.Template, error) {
	return s.dict.Lookup(format)
}

func (s *Session) Send(cmd string, minclock, reqclock int64, cq any) {
	s.link.Send(cmd, minclock, reqclock, cq)
}

func (s *Session) SendWithResponse(cmd string, responseName string, cb link.Callback) {
	s.link.SendWithResponse(cmd, responseName, cb)
}

func (s *Session) AllocCommandQueue() any { return s.link.AllocCommandQueue() }

func (s *Session) SendFlush() { s.link.SendFlush() }

func (s *Session) RegisterCallback(key link.CallbackKey, cb link.Callback) int {
	return s.link.RegisterCallback(key, cb)
}

func (s *Session) UnregisterCallback(token int) { s.link.UnregisterCallback(token) }

func (s *Session) ClockFreq() float64 { return s.clock.Freq() }

func (s *Session) RegisterStepQueue(q StepQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepQueues = append(s.stepQueues, q)
}

// addCustom parses cfg.Custom the way _add_custom does: one raw config
// command per non-comment, non-blank line, "#" starting a comment.
func (s *Session) addCustom() {
	for _, line := range strings.Split(s.cfg.Custom, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.AddConfigCmd(line)
	}
}

// BuildConfig resolves symbolic pins, freezes the config command list
// behind a CRC, and runs the get_config/finalize_config handshake,
// exactly as build_config/_send_config do in the source. It must be
// called exactly once, after every Device Object has registered its
// config-time commands and before any run-time command is sent.
func (s *Session) BuildConfig() error {
	if s.offline {
		s.initSteppersync(offlineSteppersyncCapacity)
		return nil
	}

	s.addCustom()

	s.mu.Lock()
	cmds := append([]string{fmt.Sprintf("allocate_oids count=%d", s.numOIDs)}, s.configCmds...)
	s.mu.Unlock()

	mcuName := s.dict.Config["MCU"]
	var pinNames pinmap.Map
	if s.cfg.PinMap == "" {
		pinNames = pinmap.MCUToPins(mcuName, nil)
	} else {
		pinNames = pinmap.MapPins(s.cfg.PinMap, mcuName, nil, nil)
	}
	for i, c := range cmds {
		cmds[i] = pinmap.UpdateCommand(c, pinNames)
	}

	// CRC covers exactly the command list built so far, excluding the
	// finalize_config line itself (scenario 1: the host must compute
	// the CRC before appending finalize_config, then ship that line
	// alongside every other config command).
	crc := crc32.ChecksumIEEE([]byte(strings.Join(cmds, "\n")))
	cmds = append(cmds, fmt.Sprintf("finalize_config crc=%d", crc))

	s.mu.Lock()
	s.configCmds = cmds
	s.configCRC = crc
	s.committed = true
	s.mu.Unlock()

	moveCount, err := s.sendConfig(cmds, crc)
	if err != nil {
		return err
	}
	s.initSteppersync(moveCount)
	return nil
}

// sendConfig runs the get_config retry loop: ask for config state; if
// the firmware reports it isn't configured, send every config command
// then ask again; once is_config=true, compare CRCs.
func (s *Session) sendConfig(cmds []string, crc uint32) (moveCount int, retErr error) {
	for {
		done := make(chan dict.Params, 1)
		s.link.SendWithResponse("get_config", "config", func(p dict.Params) bool {
			done <- p
			return false
		})
		params := <-done

		if params.Int("is_config") == 0 {
			for _, c := range cmds {
				if c == "" {
					continue
				}
				s.link.Send(c, 0, 0, nil)
			}
			continue
		}
		if uint32(params.Int("crc")) != crc {
			return 0, ErrConfigMismatch
		}
		return int(params.Int("move_count")), nil
	}
}

func (s *Session) initSteppersync(moveCount int) {
	s.mu.Lock()
	queues := make([]stepsync.Queue, len(s.stepQueues))
	for i, q := range s.stepQueues {
		queues[i] = q.(stepsync.Queue)
	}
	s.mu.Unlock()
	s.sync = stepsync.New(senderAdapter{s.link}, queues, nil, moveCount)
}

// senderAdapter satisfies stepsync.Sender over link.Link, the narrow
// slice of Link the synchroniser actually calls.
type senderAdapter struct{ l link.Link }

func (a senderAdapter) Send(msg string, minclock, reqclock int64, cq any) {
	a.l.Send(msg, minclock, reqclock, cq)
}

// FlushMoves releases every compressed step command due by printTime
// (converted to an MCU tick via the Clock Mapper) to the transport.
func (s *Session) FlushMoves(printTime float64) {
	clk := int64(s.clock.ToTicks(printTime))
	if s.sync != nil {
		s.sync.Flush(clk)
	}
}

func (s *Session) SetPrintStartTime(eventtime float64) {
	if s.replayUnpaced {
		return
	}
	s.clock.SetPrintStartClock(float64(s.link.GetClock(eventtime)))
}

func (s *Session) GetPrintBufferTime(eventtime, lastMoveEnd float64) float64 {
	if s.replayUnpaced {
		return 0.250
	}
	return s.clock.BufferTime(lastMoveEnd, float64(s.link.GetClock(eventtime)))
}

func (s *Session) GetPrintClock(printTime float64) int64 {
	return int64(s.clock.ToTicks(printTime))
}

func (s *Session) GetMCUFreq() float64 { return s.clock.Freq() }

func (s *Session) GetLastClock() int64 { return s.link.GetLastClock() }

func (s *Session) TranslateClock(partial int64) int64 { return s.link.TranslateClock(partial) }

// IsOffline reports whether this session was established with
// ConnectFile rather than Connect.
func (s *Session) IsOffline() bool { return s.offline }

// Stats reports the transport's counters plus the running MCU task
// scheduling average/stddev and the sum of every stepper's step
// compression error count.
func (s *Session) Stats(now float64) string {
	st := s.link.Stats(now)
	s.mu.Lock()
	avg, stddev := s.tickAvg, s.tickStddev
	var errs int
	for _, q := range s.stepQueues {
		errs += q.GetErrors()
	}
	s.mu.Unlock()
	out := fmt.Sprintf("bytes_write=%d bytes_read=%d mcu_task_avg=%.06f mcu_task_stddev=%.06f",
		st.BytesWrite, st.BytesRead, avg, stddev)
	if errs > 0 {
		out += fmt.Sprintf(" step_errors=%d", errs)
	}
	return out
}

func (s *Session) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isShutdown
}

func (s *Session) Disconnect() error {
	return s.link.Disconnect()
}
