package timex

import (
	"testing"
	"time"
)

func TestFrameTime(t *testing.T) {
	if FrameTime(1) != 44*time.Microsecond {
		t.Fatal("one slot")
	}
	// a full universe: start code + 512 slots
	if FrameTime(513) != 513*44*time.Microsecond {
		t.Fatal("full frame")
	}
	if FrameTime(-1) != 0 {
		t.Fatal("negative count")
	}
}

func TestFromTicks10ms(t *testing.T) {
	// ACK_TIMER payload 0x0032 = 50 ticks = 500 ms
	if FromTicks10ms(50) != 500*time.Millisecond {
		t.Fatal("50 ticks")
	}
	if FromTicks10ms(0) != 0 {
		t.Fatal("zero ticks")
	}
}
