package link

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"mcuhost.dev/dict"
)

// pipePort is an in-process io.ReadWriteCloser double standing in for
// a real port, the same role driver/mjolnir.NewSimulator plays for its
// driver's tests.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipePort() (*pipePort, *bufio.Writer, *bufio.Reader) {
	r1, w1 := io.Pipe() // test -> Serial
	r2, w2 := io.Pipe() // Serial -> test
	p := &pipePort{r: r1, w: w2}
	return p, bufio.NewWriter(w1), bufio.NewReader(r2)
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePort) Close() error {
	p.r.Close()
	return p.w.Close()
}

func newTestSerial() (*Serial, *bufio.Writer, *bufio.Reader) {
	port, toSerial, fromSerial := newPipePort()
	s := &Serial{port: port, reg: newCallbackRegistry(), done: make(chan struct{})}
	return s, toSerial, fromSerial
}

func TestConnectParsesDictionary(t *testing.T) {
	s, toSerial, fromSerial := newTestSerial()

	go func() {
		line, _ := fromSerial.ReadString('\n')
		if strings.TrimSpace(line) != "identify" {
			return
		}
		fmt.Fprintln(toSerial, `{"version":"v1","config":{"CLOCK_FREQ":"16000000"},"commands":["get_config"],"responses":[]}`)
		toSerial.Flush()
	}()

	d, err := s.Connect("")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if d.Version != "v1" {
		t.Errorf("Version = %q, want v1", d.Version)
	}
	if d.Config["CLOCK_FREQ"] != "16000000" {
		t.Errorf("CLOCK_FREQ = %q", d.Config["CLOCK_FREQ"])
	}
}

func TestDispatchRoutesByMessageAndOID(t *testing.T) {
	s, _, _ := newTestSerial()

	var gotForThree, gotForOther int
	s.RegisterCallback(CallbackKey{Message: "end_stop_state", OID: 3}, func(p dict.Params) bool {
		gotForThree++
		return true
	})
	s.RegisterCallback(CallbackKey{Message: "end_stop_state", OID: 7}, func(p dict.Params) bool {
		gotForOther++
		return true
	})

	s.handleLine("end_stop_state oid=3 homing=1")

	if gotForThree != 1 {
		t.Errorf("callback scoped to oid=3 fired %d times, want 1", gotForThree)
	}
	if gotForOther != 0 {
		t.Errorf("callback scoped to oid=7 fired %d times, want 0", gotForOther)
	}
}

func TestDispatchWildcardOIDMatchesAny(t *testing.T) {
	s, _, _ := newTestSerial()
	var got int
	s.RegisterCallback(CallbackKey{Message: "shutdown", OID: -1}, func(p dict.Params) bool {
		got++
		return true
	})
	s.handleLine("shutdown static_string_id=1")
	s.handleLine("shutdown static_string_id=2")
	if got != 2 {
		t.Errorf("wildcard callback fired %d times, want 2", got)
	}
}

func TestDispatchOneShotUnregistersOnFalse(t *testing.T) {
	s, _, _ := newTestSerial()
	var got int
	s.RegisterCallback(CallbackKey{Message: "config", OID: -1}, func(p dict.Params) bool {
		got++
		return false
	})
	s.handleLine("config is_config=1 crc=42")
	s.handleLine("config is_config=1 crc=42")
	if got != 1 {
		t.Errorf("one-shot callback fired %d times, want 1", got)
	}
}

func TestSendWithResponseIsAlwaysOneShot(t *testing.T) {
	s, _, fromSerial := newTestSerial()
	go io.Copy(io.Discard, fromSerial)

	var got int
	s.SendWithResponse("get_config", "config", func(p dict.Params) bool {
		got++
		// A caller that (mistakenly, or mid-retry-loop) returns true
		// here must not keep this callback registered: SendWithResponse
		// always unregisters after the first matching response, so a
		// duplicate or retransmitted "config" line never reaches it.
		return true
	})
	s.handleLine("config is_config=1 crc=42")
	s.handleLine("config is_config=1 crc=42")

	if got != 1 {
		t.Errorf("SendWithResponse callback fired %d times, want 1", got)
	}
}

func TestTranslateClockPicksNearestCandidate(t *testing.T) {
	s, _, _ := newTestSerial()
	s.lastClock = (1 << 33) + 100
	const mask = int64(1) << 32

	got := s.TranslateClock(50)

	base := s.lastClock &^ (mask - 1)
	candidates := []int64{base - mask + 50, base + 50, base + mask + 50}
	want := candidates[0]
	for _, c := range candidates {
		if abs64(c-s.lastClock) < abs64(want-s.lastClock) {
			want = c
		}
	}
	if got != want {
		t.Errorf("TranslateClock = %d, want %d", got, want)
	}
}

func TestStatsAccumulate(t *testing.T) {
	s, _, fromSerial := newTestSerial()
	done := make(chan struct{})
	go func() {
		fromSerial.ReadString('\n')
		close(done)
	}()
	s.Send("0 1 2 3", 0, 100, nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send did not reach the port")
	}
	st := s.Stats(0)
	if st.SendSeq != 1 {
		t.Errorf("SendSeq = %d, want 1", st.SendSeq)
	}
	if st.BytesWrite == 0 {
		t.Errorf("BytesWrite = 0, want > 0")
	}
}
