// Package adc implements the ADC device object: periodic analog
// sampling with a user-registered value callback, grounded on
// klippy/mcu.py's MCU_adc.
package adc

import (
	"fmt"
	"math"
	"sync"

	"mcuhost.dev/dict"
	"mcuhost.dev/link"
	"mcuhost.dev/mcu"
)

// fullScale is the ADC's resolution: 10-bit.
const fullScale = 1024

// ADC is a single analog input channel.
type ADC struct {
	host mcu.Host
	oid  int64
	cmdQ any

	queryCmd dict.Template

	sampleTicks int64
	sampleCount int64
	minSample   int64
	maxSample   int64
	maxADCInv   float64

	mu            sync.Mutex
	reportClock   int64
	lastValue     float64
	lastReadClock int64
	callback      func(lastReadClock int64, value float64)
}

// New registers a config_analog_in command for pin.
func New(host mcu.Host, pin string) (*ADC, error) {
	oid := host.CreateOID()
	cq := host.AllocCommandQueue()
	host.AddConfigCmd(fmt.Sprintf("config_analog_in oid=%d pin=%s", oid, pin))

	queryCmd, err := host.Lookup(
		"query_analog_in oid=%c clock=%u sample_ticks=%u sample_count=%c" +
			" rest_ticks=%u min_value=%hu max_value=%hu")
	if err != nil {
		return nil, fmt.Errorf("adc: %w", err)
	}

	a := &ADC{
		host:        host,
		oid:         oid,
		cmdQ:        cq,
		queryCmd:    queryCmd,
		maxSample:   0xffff,
		sampleCount: 1,
	}
	host.RegisterCallback(link.CallbackKey{Message: "analog_in_state", OID: oid}, a.handleState)
	return a, nil
}

// SetMinMax configures the sampling window and the min_value/max_value
// sample bounds sent with query_analog_in. minval/maxval are fractions
// of full scale (sampleCount*1024); nil selects the defaults 0 and 1.
// The max bound is capped at 0xffff.
func (a *ADC) SetMinMax(sampleTicks, sampleCount int64, minval, maxval *float64) {
	minv, maxv := 0.0, 1.0
	if minval != nil {
		minv = *minval
	}
	if maxval != nil {
		maxv = *maxval
	}
	a.sampleTicks = sampleTicks
	a.sampleCount = sampleCount
	maxADC := float64(sampleCount) * fullScale
	a.minSample = int64(minv * maxADC)
	maxSample := int64(math.Ceil(maxv * maxADC))
	if maxSample > 0xffff {
		maxSample = 0xffff
	}
	a.maxSample = maxSample
	a.maxADCInv = 1.0 / maxADC
}

// QueryAnalogIn schedules periodic sampling to begin shortly after the
// current clock, staggered by oid so that channels on the same MCU
// don't all sample in the same tick, and reporting every reportClock
// ticks thereafter.
func (a *ADC) QueryAnalogIn(reportClock int64) {
	a.mu.Lock()
	a.reportClock = reportClock
	a.mu.Unlock()

	freq := a.host.ClockFreq()
	cur := a.host.GetLastClock()
	clock := cur + int64(freq*(1.0+float64(a.oid)*0.01)) // XXX
	msg, err := a.queryCmd.Encode(a.oid, clock, a.sampleTicks, a.sampleCount, reportClock, a.minSample, a.maxSample)
	if err != nil {
		panic(fmt.Sprintf("adc: query_analog_in encode: %v", err))
	}
	a.host.Send(msg, 0, clock, a.cmdQ)
}

func (a *ADC) handleState(p dict.Params) bool {
	value := float64(p.Int("value")) * a.maxADCInv
	nextClock := a.host.TranslateClock(p.Int("next_clock"))

	a.mu.Lock()
	a.lastValue = value
	a.lastReadClock = nextClock - a.reportClock
	readClock := a.lastReadClock
	cb := a.callback
	a.mu.Unlock()

	if cb != nil {
		cb(readClock, value)
	}
	return true
}

// SetCallback installs the handler invoked on every analog_in_state
// response, replacing any previously installed callback.
func (a *ADC) SetCallback(cb func(lastReadClock int64, value float64)) {
	a.mu.Lock()
	a.callback = cb
	a.mu.Unlock()
}

// GetPrintClock converts a planner print time into an MCU tick.
func (a *ADC) GetPrintClock(printTime float64) int64 { return a.host.GetPrintClock(printTime) }
