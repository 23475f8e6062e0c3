package digitalout

import (
	"testing"

	"mcuhost.dev/dict"
	"mcuhost.dev/link"
	"mcuhost.dev/mcu"
)

type fakeHost struct {
	d       *dict.Dictionary
	oid     int64
	cfgCmds []string
	sent    []string
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	d, err := dict.Parse([]byte(`{
		"version": "t",
		"config": {"CLOCK_FREQ": "1000000", "MCU": "test"},
		"commands": ["schedule_digital_out oid=%c clock=%u value=%c"],
		"responses": []
	}`))
	if err != nil {
		t.Fatalf("dict.Parse: %v", err)
	}
	return &fakeHost{d: d}
}

func (f *fakeHost) CreateOID() int64                                 { oid := f.oid; f.oid++; return oid }
func (f *fakeHost) AddConfigCmd(cmd string)                           { f.cfgCmds = append(f.cfgCmds, cmd) }
func (f *fakeHost) Lookup(format string) (dict.Template, error)       { return f.d.Lookup(format) }
func (f *fakeHost) Send(cmd string, minclock, reqclock int64, cq any) { f.sent = append(f.sent, cmd) }
func (f *fakeHost) SendWithResponse(cmd, responseName string, cb link.Callback) { cb(dict.Params{}) }
func (f *fakeHost) AllocCommandQueue() any                             { return new(struct{}) }
func (f *fakeHost) SendFlush()                                         {}
func (f *fakeHost) RegisterCallback(key link.CallbackKey, cb link.Callback) int { return 0 }
func (f *fakeHost) UnregisterCallback(token int)                       {}
func (f *fakeHost) ClockFreq() float64                                 { return 1000000 }
func (f *fakeHost) RegisterStepQueue(q mcu.StepQueue)                  {}
func (f *fakeHost) GetLastClock() int64                                { return 0 }
func (f *fakeHost) GetPrintClock(printTime float64) int64              { return int64(printTime * 1000000) }
func (f *fakeHost) TranslateClock(partial int64) int64                 { return partial }
func (f *fakeHost) IsOffline() bool                                    { return false }

func TestNewUsesInvertBitAsDefaultValue(t *testing.T) {
	fh := newFakeHost(t)
	_, err := New(fh, "!PA0", 2000000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := "config_digital_out oid=0 pin=PA0 default_value=1 max_duration=2000000"
	if len(fh.cfgCmds) != 1 || fh.cfgCmds[0] != want {
		t.Errorf("config cmds = %v, want [%q]", fh.cfgCmds, want)
	}
}

func TestSetDigitalXORsInvertAndTracksLastSetting(t *testing.T) {
	fh := newFakeHost(t)
	d, err := New(fh, "!PA0", 2000000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.SetDigital(500, 1)
	if v, ok := d.GetLastSetting(); !ok || v != 1 {
		t.Errorf("GetLastSetting() = (%d, %v), want (1, true)", v, ok)
	}
	if len(fh.sent) != 1 {
		t.Fatalf("expected one schedule_digital_out command, got %d", len(fh.sent))
	}
	if want := "0 0 500 0"; fh.sent[0] != want { // value 1 XOR invert 1
		t.Errorf("sent %q, want %q", fh.sent[0], want)
	}
}

func TestSetPWMThresholdsAt127(t *testing.T) {
	fh := newFakeHost(t)
	d, err := New(fh, "PA0", 2000000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.SetPWM(10, 127)
	if v, _ := d.GetLastSetting(); v != 0 {
		t.Errorf("SetPWM(_, 127) -> digital %d, want 0", v)
	}
	d.SetPWM(20, 128)
	if v, _ := d.GetLastSetting(); v != 1 {
		t.Errorf("SetPWM(_, 128) -> digital %d, want 1", v)
	}
}
