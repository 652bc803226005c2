//go:build linux

// Package hostserial is the Linux bus driver: a termios2 serial device at
// the true 250 kbit/s rate, real break control through the TIOCSBRK ioctls,
// and break/framing-error detection through PARMRK marking. Direction comes
// from a GPIO driver-enable pin or from kernel-managed RS485 RTS.
package hostserial

import (
	"context"
	"sync"
	"time"

	serial "github.com/daedaluz/goserial"

	"github.com/airgiants/esp-dmx/errcode"
	"github.com/airgiants/esp-dmx/types"
)

const dmxBaud = 250000

type Config struct {
	// Device is the serial device path, e.g. /dev/ttyUSB0.
	Device string
	// DE drives the transceiver direction; nil with KernelRS485 set leaves
	// it to the UART driver.
	DE          types.DEPin
	KernelRS485 bool
	EventBuffer int
}

type Driver struct {
	p  *serial.Port
	de types.DEPin

	mu      sync.Mutex
	breakOn bool

	events chan types.LineEvent
	cancel context.CancelFunc
	done   chan struct{}

	// PARMRK unescape state, reader-owned.
	escState int
}

var _ types.BusDriver = (*Driver)(nil)

// Open configures the device for raw 8N2 DMX and starts the reader.
func Open(cfg Config) (*Driver, error) {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	p, err := serial.Open(cfg.Device, nil)
	if err != nil {
		return nil, err
	}
	attrs, err := p.GetAttr2()
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	attrs.MakeRaw()
	attrs.Cflag |= serial.CSTOPB | serial.CREAD | serial.CLOCAL
	// Breaks and framing errors arrive as \377\0 marked sequences.
	attrs.Iflag &^= serial.IGNBRK | serial.BRKINT | serial.IGNPAR
	attrs.Iflag |= serial.PARMRK | serial.INPCK
	attrs.Cc[serial.VMIN] = 0
	attrs.Cc[serial.VTIME] = 0
	attrs.SetCustomSpeed(dmxBaud)
	if err := p.SetAttr2(serial.TCSANOW, attrs); err != nil {
		_ = p.Close()
		return nil, err
	}
	if cfg.KernelRS485 {
		rs := &serial.RS485{Flags: serial.RS485Enabled | serial.RS485RTSOnSend}
		// best effort: not every adapter speaks TIOCSRS485
		_ = p.SetRS485(rs)
	}

	d := &Driver{
		p:      p,
		de:     cfg.DE,
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
	n, err := d.p.Write(p)
	if err != nil {
		return n, err
	}
	go func() {
		// TCSBRK with a nonzero argument is the portable drain
		_ = d.p.Drain()
		d.emit(types.LineEvent{Kind: types.EvTxDone, TS: time.Now()})
	}()
	return n, nil
}

func (d *Driver) ReadAvailable(p []byte) int {
	n, err := d.p.ReadTimeout(p, 0)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (d *Driver) Flush() error {
	return d.p.Flush(serial.TCIOFLUSH)
}

func (d *Driver) SetDirection(dir types.Direction) error {
	if d.de != nil {
		d.de.Set(dir == types.DirTX)
	}
	return nil
}

func (d *Driver) WaitIdle(ctx context.Context) error {
	donec := make(chan struct{})
	go func() {
		_ = d.p.Drain()
		close(donec)
	}()
	select {
	case <-donec:
		return nil
	case <-ctx.Done():
		return errcode.Timeout
	}
}

func (d *Driver) SetBreak(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on == d.breakOn {
		return nil
	}
	d.breakOn = on
	if on {
		return d.p.SetBreak()
	}
	return d.p.ClearBreak()
}

func (d *Driver) SetBaudRate(baud uint32) error {
	attrs, err := d.p.GetAttr2()
	if err != nil {
		return err
	}
	attrs.SetCustomSpeed(baud)
	return d.p.SetAttr2(serial.TCSADRAIN, attrs)
}

func (d *Driver) SetFormat(databits, stopbits uint8, parity types.Parity) error {
	attrs, err := d.p.GetAttr2()
	if err != nil {
		return err
	}
	attrs.Cflag &^= serial.CSIZE | serial.CSTOPB | serial.PARENB | serial.PARODD
	switch databits {
	case 7:
		attrs.Cflag |= serial.CS7
	default:
		attrs.Cflag |= serial.CS8
	}
	if stopbits == 2 {
		attrs.Cflag |= serial.CSTOPB
	}
	switch parity {
	case types.ParityEven:
		attrs.Cflag |= serial.PARENB
	case types.ParityOdd:
		attrs.Cflag |= serial.PARENB | serial.PARODD
	}
	return d.p.SetAttr2(serial.TCSADRAIN, attrs)
}

func (d *Driver) Close() error {
	d.cancel()
	<-d.done
	close(d.events)
	return d.p.Close()
}

func (d *Driver) readLoop(ctx context.Context) {
	defer close(d.done)
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := d.p.ReadTimeout(buf, 20*time.Millisecond)
		if err != nil {
			if err == serial.ErrClosed {
				return
			}
			// poll timeout or transient fault; don't spin
			time.Sleep(time.Millisecond)
			continue
		}
		if n > 0 {
			d.unescape(buf[:n], time.Now())
		}
	}
}

// unescape walks PARMRK-marked input: \377\0\0 is a break, \377\0 X is a
// framing or parity error on X, \377\377 is a literal 0xFF byte. The escape
// state survives chunk boundaries.
func (d *Driver) unescape(in []byte, ts time.Time) {
	data := make([]byte, 0, len(in))
	flush := func() {
		if len(data) == 0 {
			return
		}
		d.emit(types.LineEvent{Kind: types.EvRxData, Data: data, TS: ts})
		data = make([]byte, 0, len(in))
	}
	for _, b := range in {
		switch d.escState {
		case 0:
			if b == 0xFF {
				d.escState = 1
			} else {
				data = append(data, b)
			}
		case 1:
			switch b {
			case 0xFF:
				data = append(data, 0xFF)
				d.escState = 0
			case 0x00:
				d.escState = 2
			default:
				data = append(data, 0xFF, b)
				d.escState = 0
			}
		case 2:
			flush()
			if b == 0x00 {
				d.emit(types.LineEvent{Kind: types.EvBreak, TS: ts})
			} else {
				d.emit(types.LineEvent{Kind: types.EvFramingError, TS: ts})
			}
			d.escState = 0
		}
	}
	flush()
}

func (d *Driver) emit(ev types.LineEvent) {
	defer func() { _ = recover() }() // a late drain may race Close
	select {
	case d.events <- ev:
	default:
	}
}
