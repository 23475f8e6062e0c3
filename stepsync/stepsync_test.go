package stepsync

import "testing"

// fakeQueue is an in-memory stepsync.Queue double so these tests don't
// need to build a real firmware dictionary.
type fakeQueue struct {
	cmds []fakeCmd
}

type fakeCmd struct {
	clock int64
	msg   string
}

func (q *fakeQueue) Pending() bool { return len(q.cmds) > 0 }

func (q *fakeQueue) PeekClock() (int64, bool) {
	if len(q.cmds) == 0 {
		return 0, false
	}
	return q.cmds[0].clock, true
}

func (q *fakeQueue) PopMsg() (int64, string) {
	c := q.cmds[0]
	q.cmds = q.cmds[1:]
	return c.clock, c.msg
}

type recordingSender struct {
	sent []sent
}

type sent struct {
	msg      string
	reqclock int64
}

func (s *recordingSender) Send(msg string, minclock, reqclock int64, cq any) {
	s.sent = append(s.sent, sent{msg, reqclock})
}

func TestFlushOrdersAcrossQueues(t *testing.T) {
	a := &fakeQueue{cmds: []fakeCmd{{100, "a1"}, {300, "a2"}}}
	b := &fakeQueue{cmds: []fakeCmd{{150, "b1"}, {400, "b2"}}}
	sender := &recordingSender{}
	sync := New(sender, []Queue{a, b}, []any{"cq-a", "cq-b"}, 0)

	sync.Flush(350)

	got := make([]string, len(sender.sent))
	for i, s := range sender.sent {
		got[i] = s.msg
	}
	want := []string{"a1", "b1", "a2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	// b2 is beyond the horizon and must remain queued.
	if !b.Pending() {
		t.Fatal("b2 should not have been released past the horizon")
	}
	for i := 1; i < len(sender.sent); i++ {
		if sender.sent[i].reqclock < sender.sent[i-1].reqclock {
			t.Fatalf("reqclock not non-decreasing: %+v", sender.sent)
		}
	}
}

func TestFlushIdempotentOnEmptyRange(t *testing.T) {
	a := &fakeQueue{}
	sender := &recordingSender{}
	sync := New(sender, []Queue{a}, nil, 0)
	sync.Flush(1000)
	if len(sender.sent) != 0 {
		t.Fatalf("expected no sends, got %v", sender.sent)
	}
}

func TestFlushRespectsMoveCount(t *testing.T) {
	a := &fakeQueue{cmds: []fakeCmd{{10, "s1"}, {20, "s2"}, {30, "s3"}}}
	sender := &recordingSender{}
	sync := New(sender, []Queue{a}, nil, 1)
	acked := 0
	sync.SetAckProgress(func() int { return acked })

	sync.Flush(1000)
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly 1 in-flight command with move_count=1, got %d", len(sender.sent))
	}

	acked = 1
	sync.Flush(1000)
	if len(sender.sent) != 2 {
		t.Fatalf("expected a second command released after acknowledgement, got %d", len(sender.sent))
	}
}
