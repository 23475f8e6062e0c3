package adc

import (
	"testing"

	"mcuhost.dev/dict"
	"mcuhost.dev/link"
	"mcuhost.dev/mcu"
)

type fakeHost struct {
	d         *dict.Dictionary
	oid       int64
	cfgCmds   []string
	sent      []string
	freq      float64
	lastClock int64
	cbs       map[link.CallbackKey]link.Callback
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	d, err := dict.Parse([]byte(`{
		"version": "t",
		"config": {"CLOCK_FREQ": "1000000", "MCU": "test"},
		"commands": [
			"query_analog_in oid=%c clock=%u sample_ticks=%u sample_count=%c rest_ticks=%u min_value=%hu max_value=%hu"
		],
		"responses": ["analog_in_state oid=%c next_clock=%u value=%hu"]
	}`))
	if err != nil {
		t.Fatalf("dict.Parse: %v", err)
	}
	return &fakeHost{d: d, freq: 1000000, cbs: make(map[link.CallbackKey]link.Callback)}
}

func (f *fakeHost) CreateOID() int64                                 { oid := f.oid; f.oid++; return oid }
func (f *fakeHost) AddConfigCmd(cmd string)                           { f.cfgCmds = append(f.cfgCmds, cmd) }
func (f *fakeHost) Lookup(format string) (dict.Template, error)       { return f.d.Lookup(format) }
func (f *fakeHost) Send(cmd string, minclock, reqclock int64, cq any) { f.sent = append(f.sent, cmd) }
func (f *fakeHost) SendWithResponse(cmd, responseName string, cb link.Callback) { cb(dict.Params{}) }
func (f *fakeHost) AllocCommandQueue() any { return new(struct{}) }
func (f *fakeHost) SendFlush()             {}
func (f *fakeHost) RegisterCallback(key link.CallbackKey, cb link.Callback) int {
	f.cbs[key] = cb
	return len(f.cbs)
}
func (f *fakeHost) UnregisterCallback(token int)          {}
func (f *fakeHost) ClockFreq() float64                    { return f.freq }
func (f *fakeHost) RegisterStepQueue(q mcu.StepQueue)     {}
func (f *fakeHost) GetLastClock() int64                   { return f.lastClock }
func (f *fakeHost) GetPrintClock(printTime float64) int64 { return int64(printTime * f.freq) }
func (f *fakeHost) TranslateClock(partial int64) int64    { return partial }
func (f *fakeHost) IsOffline() bool                       { return false }

func TestSetMinMaxDefaults(t *testing.T) {
	fh := newFakeHost(t)
	a, err := New(fh, "PA0")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.SetMinMax(1000, 4, nil, nil)
	if a.minSample != 0 {
		t.Errorf("minSample = %d, want 0", a.minSample)
	}
	if a.maxSample != 4096 { // ceil(1.0 * 4 * 1024), below the 0xffff cap
		t.Errorf("maxSample = %d, want 4096", a.maxSample)
	}
}

func TestQueryAnalogInSendsOneQuery(t *testing.T) {
	fh := newFakeHost(t)
	a, err := New(fh, "PA0")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.SetMinMax(1000, 4, nil, nil)
	a.QueryAnalogIn(500)
	if len(fh.sent) != 1 {
		t.Fatalf("expected one query_analog_in command, got %d", len(fh.sent))
	}
}

func TestAnalogInStateInvokesCallbackWithScaledValue(t *testing.T) {
	fh := newFakeHost(t)
	a, err := New(fh, "PA0")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.SetMinMax(1000, 1, nil, nil) // max_adc = 1024, maxADCInv = 1/1024
	a.QueryAnalogIn(100)

	var gotClock int64
	var gotValue float64
	a.SetCallback(func(lastReadClock int64, value float64) {
		gotClock = lastReadClock
		gotValue = value
	})

	cb := fh.cbs[link.CallbackKey{Message: "analog_in_state", OID: a.oid}]
	cb(dict.Params{"value": 512, "next_clock": 600})

	wantValue := 512.0 / 1024.0
	if gotValue != wantValue {
		t.Errorf("callback value = %v, want %v", gotValue, wantValue)
	}
	if gotClock != 500 { // next_clock(600) - report_clock(100)
		t.Errorf("callback lastReadClock = %d, want 500", gotClock)
	}
}
