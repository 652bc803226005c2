package dmx

import (
	"time"

	"github.com/airgiants/esp-dmx/x/mathx"
)

// Wire timing per ANSI E1.11 and the E1.20 turnaround rules.
const (
	DefaultBreak = 176 * time.Microsecond
	MinBreak     = 92 * time.Microsecond
	MaxBreak     = time.Second

	DefaultMAB = 12 * time.Microsecond
	MinMAB     = 12 * time.Microsecond
	MaxMAB     = time.Second

	// DefaultRxIdle is the inter-slot gap that terminates a received frame.
	DefaultRxIdle = 2 * time.Millisecond

	// DefaultResponseTimeout bounds the wait for the first response byte.
	// The wire allows a responder up to 2 ms of turnaround plus preamble
	// time (~2.8 ms worst case); the default leaves slack for scheduling.
	DefaultResponseTimeout = 10 * time.Millisecond

	// TxDrainGrace pads the computed frame time when waiting for the
	// transmitter to run dry.
	TxDrainGrace = 10 * time.Millisecond
)

// Timings are the per-port line intervals. Zero values take defaults;
// out-of-range values are clamped to the legal window.
type Timings struct {
	Break           time.Duration
	MAB             time.Duration
	RxIdle          time.Duration
	ResponseTimeout time.Duration
}

func (t *Timings) sanitize() {
	if t.Break == 0 {
		t.Break = DefaultBreak
	}
	if t.MAB == 0 {
		t.MAB = DefaultMAB
	}
	if t.RxIdle == 0 {
		t.RxIdle = DefaultRxIdle
	}
	if t.ResponseTimeout == 0 {
		t.ResponseTimeout = DefaultResponseTimeout
	}
	t.Break = mathx.Clamp(t.Break, MinBreak, MaxBreak)
	t.MAB = mathx.Clamp(t.MAB, MinMAB, MaxMAB)
	t.ResponseTimeout = mathx.Max(t.ResponseTimeout, DefaultResponseTimeout/4)
}
