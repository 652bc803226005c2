package types

import (
	"sync"
	"time"
)

// HostTimer is the default TimingSource, built on the runtime timer wheel.
// Microsecond-class intervals land late by scheduler jitter; that is
// acceptable everywhere the driver uses them, since every minimum in the
// wire timing is a lower bound.
type HostTimer struct {
	mu  sync.Mutex
	t   *time.Timer
	gen uint32
}

func NewHostTimer() *HostTimer { return &HostTimer{} }

// ArmOneShot replaces any armed interval with a new one.
func (h *HostTimer) ArmOneShot(d time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen++
	gen := h.gen
	if h.t != nil {
		h.t.Stop()
	}
	if d < 0 {
		d = 0
	}
	h.t = time.AfterFunc(d, func() {
		h.mu.Lock()
		stale := gen != h.gen
		h.mu.Unlock()
		if !stale {
			fn()
		}
	})
}

// Cancel stops the armed interval, if any. A callback already started may
// still run; ArmOneShot's generation check keeps replaced callbacks quiet.
func (h *HostTimer) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen++
	if h.t != nil {
		h.t.Stop()
		h.t = nil
	}
}
