// Package driversio adapts any tinygo.org/x/drivers UART to the bus-driver
// contract. It suits MCU UARTs with no break support: the break is formed by
// dropping the baud rate and shifting out a zero byte, and received breaks
// are not distinguished from zero bytes, which the idle-gap framing of the
// line layer tolerates.
package driversio

import (
	"context"
	"sync"
	"time"

	"tinygo.org/x/drivers"

	"github.com/airgiants/esp-dmx/errcode"
	"github.com/airgiants/esp-dmx/types"
	"github.com/airgiants/esp-dmx/x/timex"
)

const (
	dmxBaud = 250000
	// breakBaud makes the start bit plus eight zero bits of one null byte
	// span ~198 µs of space, a legal break.
	breakBaud = 45455

	pollInterval = 200 * time.Microsecond
)

type Config struct {
	// DE drives the transceiver direction; nil when the board hardwires it.
	DE types.DEPin
	// EventBuffer sizes the event channel.
	EventBuffer int
}

type Adapter struct {
	u  drivers.UART
	de types.DEPin

	mu      sync.Mutex
	baud    uint32
	breakOn bool
	lastTx  time.Time
	txBytes int

	events chan types.LineEvent
	cancel context.CancelFunc
	done   chan struct{}
}

var _ types.BusDriver = (*Adapter)(nil)

// New wraps u and starts the RX poller.
func New(u drivers.UART, cfg Config) *Adapter {
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = 64
	}
	a := &Adapter{
		u:      u,
		de:     cfg.DE,
		baud:   dmxBaud,
		events: make(chan types.LineEvent, buf),
		done:   make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.pollRX(ctx)
	return a
}

func (a *Adapter) Events() <-chan types.LineEvent { return a.events }

func (a *Adapter) Write(p []byte) (int, error) {
	n, err := a.u.Write(p)
	if err != nil {
		return n, err
	}
	a.mu.Lock()
	a.lastTx = time.Now()
	a.txBytes = n
	a.mu.Unlock()
	// The interface has no shifter-empty signal; completion is computed
	// from the wire rate.
	time.AfterFunc(timex.FrameTime(n), func() {
		a.emit(types.LineEvent{Kind: types.EvTxDone, TS: time.Now()})
	})
	return n, nil
}

func (a *Adapter) ReadAvailable(p []byte) int {
	n := 0
	for n < len(p) && a.u.Buffered() > 0 {
		b, err := a.u.ReadByte()
		if err != nil {
			break
		}
		p[n] = b
		n++
	}
	return n
}

func (a *Adapter) Flush() error {
	for a.u.Buffered() > 0 {
		if _, err := a.u.ReadByte(); err != nil {
			break
		}
	}
	return nil
}

func (a *Adapter) SetDirection(d types.Direction) error {
	if a.de != nil {
		a.de.Set(d == types.DirTX)
	}
	return nil
}

func (a *Adapter) WaitIdle(ctx context.Context) error {
	a.mu.Lock()
	wait := time.Until(a.lastTx.Add(timex.FrameTime(a.txBytes)))
	a.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return errcode.Timeout
	}
}

// SetBreak forms the break out of a slow null byte: engaging it reconfigures
// the UART and shifts out 0x00; releasing it restores the data rate. The
// stop bit of the slow byte doubles as the first part of the mark after
// break.
func (a *Adapter) SetBreak(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on == a.breakOn {
		return nil
	}
	a.breakOn = on
	if on {
		if err := a.u.Configure(drivers.UARTConfig{BaudRate: breakBaud}); err != nil {
			return err
		}
		_, err := a.u.Write([]byte{0x00})
		return err
	}
	return a.u.Configure(drivers.UARTConfig{BaudRate: a.baud})
}

func (a *Adapter) SetBaudRate(baud uint32) error {
	a.mu.Lock()
	a.baud = baud
	a.mu.Unlock()
	return a.u.Configure(drivers.UARTConfig{BaudRate: baud})
}

// SetFormat is accepted but not applied: the drivers.UART surface carries
// only the baud rate, and DMX hardware using this adapter is strapped for
// 8N2 at configuration time.
func (a *Adapter) SetFormat(databits, stopbits uint8, parity types.Parity) error {
	if databits != 8 || parity != types.ParityNone {
		return errcode.Unsupported
	}
	return nil
}

func (a *Adapter) Close() error {
	a.cancel()
	<-a.done
	close(a.events)
	return nil
}

func (a *Adapter) pollRX(ctx context.Context) {
	defer close(a.done)
	buf := make([]byte, 64)
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n := a.ReadAvailable(buf)
			if n == 0 {
				continue
			}
			a.emit(types.LineEvent{
				Kind: types.EvRxData,
				Data: append([]byte(nil), buf[:n]...),
				TS:   time.Now(),
			})
		}
	}
}

func (a *Adapter) emit(ev types.LineEvent) {
	defer func() { _ = recover() }() // a late TX-done may race Close
	select {
	case a.events <- ev:
	default:
		// drop rather than stall the line
	}
}
