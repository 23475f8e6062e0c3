package stepq

import (
	"strings"
	"testing"

	"mcuhost.dev/dict"
)

func templates(t *testing.T) (stepCmd, resetCmd dict.Template) {
	t.Helper()
	d, err := dict.Parse([]byte(`{
		"version": "t",
		"config": {},
		"commands": [
			"queue_step oid=%c interval=%u count=%hu add=%hi",
			"reset_step_clock oid=%c clock=%u"
		],
		"responses": []
	}`))
	if err != nil {
		t.Fatalf("dict.Parse: %v", err)
	}
	stepCmd, err = d.Lookup("queue_step oid=%c interval=%u count=%hu add=%hi")
	if err != nil {
		t.Fatal(err)
	}
	resetCmd, err = d.Lookup("reset_step_clock oid=%c clock=%u")
	if err != nil {
		t.Fatal(err)
	}
	return stepCmd, resetCmd
}

// reconstruct mirrors closeWindow's formula so tests can recompute the
// pulse ticks a (interval, add, count) window produces.
func reconstruct(base, interval, add int64, count int) []int64 {
	out := make([]int64, count)
	for i := 0; i < count; i++ {
		m := int64(i + 1)
		out[i] = base + m*interval + add*(m*(m-1)/2)
	}
	return out
}

func TestCompressionBound(t *testing.T) {
	stepCmd, resetCmd := templates(t)
	const maxError = 25
	targets := []int64{1000, 1500, 2000}
	q := New(maxError, stepCmd, resetCmd, 0)
	for _, tgt := range targets {
		q.Push(tgt)
	}
	q.Flush()

	// Replay the emitted queue_step commands against the target list
	// in order, checking the bound for every reconstructed pulse.
	idx := 0
	base := int64(0)
	for q.Pending() {
		cmd := q.Pop()
		if !strings.HasPrefix(cmd.Msg, "0 ") {
			t.Fatalf("unexpected msgid in %q", cmd.Msg)
		}
		var oid, interval, count, add int64
		if _, err := parseFields(cmd.Msg, &oid, &interval, &count, &add); err != nil {
			t.Fatalf("parse %q: %v", cmd.Msg, err)
		}
		recon := reconstruct(base, interval, add, int(count))
		for _, r := range recon {
			if idx >= len(targets) {
				t.Fatalf("reconstructed more pulses than targets")
			}
			if d := r - targets[idx]; d > maxError || d < -maxError {
				t.Errorf("target[%d]=%d reconstructed=%d exceeds max_error=%d", idx, targets[idx], r, maxError)
			}
			idx++
		}
		base = recon[len(recon)-1]
	}
	if idx != len(targets) {
		t.Fatalf("consumed %d of %d targets", idx, len(targets))
	}
	if q.GetErrors() != 0 {
		t.Errorf("GetErrors() = %d, want 0", q.GetErrors())
	}
}

func TestEvenlySpacedSingleCommand(t *testing.T) {
	stepCmd, resetCmd := templates(t)
	q := New(5, stepCmd, resetCmd, 2)
	for _, tgt := range []int64{500, 1000, 1500, 2000} {
		q.Push(tgt)
	}
	q.Flush()
	if !q.Pending() {
		t.Fatal("expected output")
	}
	cmd := q.Pop()
	var oid, interval, count, add int64
	if _, err := parseFields(cmd.Msg, &oid, &interval, &count, &add); err != nil {
		t.Fatal(err)
	}
	if count != 4 || add != 0 || interval != 500 {
		t.Errorf("got interval=%d count=%d add=%d, want interval=500 count=4 add=0", interval, count, add)
	}
	if q.Pending() {
		t.Errorf("expected all 4 evenly spaced targets to fold into one command")
	}
}

func TestQueueMsgPreservesOrder(t *testing.T) {
	stepCmd, resetCmd := templates(t)
	q := New(5, stepCmd, resetCmd, 0)
	q.Push(100)
	q.Push(200)
	q.QueueMsg(150, "raw-marker")
	q.Flush()

	var msgs []string
	for q.Pending() {
		msgs = append(msgs, q.Pop().Msg)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d commands, want 2 (one queue_step flushed before the marker, then the marker)", len(msgs))
	}
	if msgs[1] != "raw-marker" {
		t.Errorf("marker out of order: %v", msgs)
	}
}

func TestResetOnNegativeInterval(t *testing.T) {
	stepCmd, resetCmd := templates(t)
	q := New(5, stepCmd, resetCmd, 0)
	q.Reset(1000)
	q.Push(500) // precedes the new base: unrepresentable
	q.Flush()
	if q.GetErrors() != 1 {
		t.Errorf("GetErrors() = %d, want 1", q.GetErrors())
	}
}

// parseFields scans a space-separated "msgid a b c ..." wire text
// command, as produced by dict.Template.Encode, into the given
// pointers, one per argument after the leading msgid.
func parseFields(msg string, dst ...*int64) (int, error) {
	fields := strings.Fields(msg)
	if len(fields) > 0 {
		fields = fields[1:] // drop msgid
	}
	n := 0
	for i, f := range fields {
		if i >= len(dst) {
			break
		}
		var v int64
		_, err := parseInt(f, &v)
		if err != nil {
			return n, err
		}
		*dst[i] = v
		n++
	}
	return n, nil
}

func parseInt(s string, v *int64) (int, error) {
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, strErr{s}
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	*v = n
	return 1, nil
}

type strErr struct{ s string }

func (e strErr) Error() string { return "invalid integer: " + e.s }
