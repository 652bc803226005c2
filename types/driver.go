package types

import (
	"context"
	"time"
)

// BusDriver is the half-duplex byte-level view of one DMX/RDM line.
// Implementations adapt a concrete UART (MCU peripheral, termios device) and
// deliver line conditions through Events with as little added latency as the
// platform allows.
type BusDriver interface {
	// Write enqueues bytes for transmission. Blocks until accepted.
	Write(p []byte) (int, error)
	// ReadAvailable drains buffered RX bytes without blocking.
	ReadAvailable(p []byte) int
	// Flush discards pending RX and untransmitted TX bytes.
	Flush() error
	// SetDirection drives the transceiver's driver-enable line.
	SetDirection(d Direction) error
	// WaitIdle blocks until the TX shifter is empty or ctx expires.
	WaitIdle(ctx context.Context) error
	// SetBreak holds the line in the space condition while on.
	SetBreak(on bool) error
	SetBaudRate(baud uint32) error
	SetFormat(databits, stopbits uint8, parity Parity) error
	// Events delivers RX bytes, TX completion, breaks and framing errors.
	// The channel is owned by the driver and closes on Close.
	Events() <-chan LineEvent
	Close() error
}

// DEPin is a transceiver driver-enable line when it is wired to a GPIO
// rather than handled by the UART itself.
type DEPin interface {
	Set(tx bool)
}

// TimingSource provides the one-shot intervals the line layer sequences with:
// break, mark-after-break, response windows and inter-slot gaps. The callback
// runs on the timing source's own goroutine; callers funnel it back into
// their serialised event loop.
type TimingSource interface {
	ArmOneShot(d time.Duration, fn func())
	Cancel()
}

// Store is typed key-value persistence for parameters flagged persistent.
// Keys derive from (port, pid); the namespace is fixed per store instance.
type Store interface {
	// Load fills out and reports the record length, or false when absent.
	Load(port int, pid uint16, out []byte) (int, bool)
	// Store writes the record, reporting false when the backing store
	// refused it.
	Store(port int, pid uint16, data []byte) bool
}
