//go:build rp2040 || rp2350

// Package uartxio is the RP2 bus driver: a tinygo-uartx UART with its
// blocking context reads and runtime format control, plus an optional GPIO
// driver-enable pin.
package uartxio

import (
	"context"
	"sync"
	"time"

	"machine"

	"github.com/jangala-dev/tinygo-uartx/uartx"

	"github.com/airgiants/esp-dmx/errcode"
	"github.com/airgiants/esp-dmx/types"
	"github.com/airgiants/esp-dmx/x/timex"
)

const (
	dmxBaud = 250000
	// breakBaud stretches one null byte into a ~198 µs space condition.
	breakBaud = 45455
)

type Config struct {
	BaudRate uint32
	TX, RX   machine.Pin
	// DE drives the transceiver direction; NoPin when hardwired.
	DE          machine.Pin
	EventBuffer int
}

type Driver struct {
	u  *uartx.UART
	de machine.Pin

	mu      sync.Mutex
	baud    uint32
	breakOn bool
	lastTx  time.Time
	txBytes int

	events chan types.LineEvent
	cancel context.CancelFunc
	done   chan struct{}
}

var _ types.BusDriver = (*Driver)(nil)

// New configures u for DMX and starts the reader.
func New(u *uartx.UART, cfg Config) (*Driver, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = dmxBaud
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if err := u.Configure(uartx.UARTConfig{
		BaudRate: cfg.BaudRate,
		TX:       cfg.TX,
		RX:       cfg.RX,
	}); err != nil {
		return nil, err
	}
	if cfg.DE != machine.NoPin {
		cfg.DE.Configure(machine.PinConfig{Mode: machine.PinOutput})
		cfg.DE.Low()
	}
	d := &Driver{
		u:      u,
		de:     cfg.DE,
		baud:   cfg.BaudRate,
		events: make(chan types.LineEvent, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.readLoop(ctx)
	return d, nil
}

func (d *Driver) Events() <-chan types.LineEvent { return d.events }

func (d *Driver) Write(p []byte) (int, error) {
	n, err := d.u.Write(p)
	if err != nil {
		return n, err
	}
	d.mu.Lock()
	d.lastTx = time.Now()
	d.txBytes = n
	d.mu.Unlock()
	time.AfterFunc(timex.FrameTime(n), func() {
		d.emit(types.LineEvent{Kind: types.EvTxDone, TS: time.Now()})
	})
	return n, nil
}

func (d *Driver) ReadAvailable(p []byte) int {
	n := 0
	for n < len(p) && d.u.Buffered() > 0 {
		m, err := d.u.Read(p[n:])
		if err != nil || m == 0 {
			break
		}
		n += m
	}
	return n
}

func (d *Driver) Flush() error {
	var scratch [64]byte
	for d.u.Buffered() > 0 {
		if d.ReadAvailable(scratch[:]) == 0 {
			break
		}
	}
	return nil
}

func (d *Driver) SetDirection(dir types.Direction) error {
	if d.de != machine.NoPin {
		d.de.Set(dir == types.DirTX)
	}
	return nil
}

func (d *Driver) WaitIdle(ctx context.Context) error {
	d.mu.Lock()
	wait := time.Until(d.lastTx.Add(timex.FrameTime(d.txBytes)))
	d.mu.Unlock()
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

// SetBreak forms the break out of a slow null byte, the standard technique
// on UARTs without a break latch.
func (d *Driver) SetBreak(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on == d.breakOn {
		return nil
	}
	d.breakOn = on
	if on {
		d.u.SetBaudRate(breakBaud)
		return d.u.WriteByte(0x00)
	}
	d.u.SetBaudRate(d.baud)
	return nil
}

func (d *Driver) SetBaudRate(baud uint32) error {
	d.mu.Lock()
	d.baud = baud
	d.mu.Unlock()
	d.u.SetBaudRate(baud)
	return nil
}

func (d *Driver) SetFormat(databits, stopbits uint8, parity types.Parity) error {
	var par uartx.UARTParity
	switch parity {
	case types.ParityEven:
		par = uartx.ParityEven
	case types.ParityOdd:
		par = uartx.ParityOdd
	default:
		par = uartx.ParityNone
	}
	return d.u.SetFormat(databits, stopbits, par)
}

func (d *Driver) Close() error {
	d.cancel()
	<-d.done
	close(d.events)
	return nil
}

// readLoop mirrors the bounded-wait reader the HAL uses for stream buses:
// a blocking context read capped short enough to notice shutdown.
func (d *Driver) readLoop(ctx context.Context) {
	defer close(d.done)
	buf := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			return
		}
		rctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		n, _ := d.u.RecvSomeContext(rctx, buf)
		cancel()
		if n <= 0 {
			continue
		}
		d.emit(types.LineEvent{
			Kind: types.EvRxData,
			Data: append([]byte(nil), buf[:n]...),
			TS:   time.Now(),
		})
	}
}

func (d *Driver) emit(ev types.LineEvent) {
	defer func() { _ = recover() }() // a late TX-done may race Close
	select {
	case d.events <- ev:
	default:
	}
}
