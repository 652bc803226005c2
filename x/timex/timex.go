package timex

import "time"

// SlotTime is the wire time of one DMX slot: 11 bits (start, 8 data, 2 stop)
// at 250 kbit/s.
const SlotTime = 44 * time.Microsecond

// FrameTime returns the wire time for n slots, excluding break and
// mark-after-break.
func FrameTime(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * SlotTime
}

// FromTicks10ms converts a count of 10-millisecond responder ticks (the unit
// used by ACK_TIMER payloads) to a duration.
func FromTicks10ms(ticks uint16) time.Duration {
	return time.Duration(ticks) * 10 * time.Millisecond
}

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }
