// Package dmx drives one or more DMX512-A/RDM lines: per-port frame buffer,
// break/mark/slot sequencing, receive framing, and the send serialisation
// the RDM layers build on.
package dmx

import (
	"context"
	"sync"
	"time"

	"github.com/airgiants/esp-dmx/bus"
	"github.com/airgiants/esp-dmx/errcode"
	"github.com/airgiants/esp-dmx/rdm"
	"github.com/airgiants/esp-dmx/types"
	"github.com/airgiants/esp-dmx/x/timex"
)

// LineState is the current position of a port in the line sequence.
type LineState uint8

const (
	StateIdle LineState = iota
	StateTxBreak
	StateTxMAB
	StateTxSlots
	StateTxDone
	StateRxWait
	StateRxSlots
	StateRxDone
	StateError
)

func (s LineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTxBreak:
		return "tx_break"
	case StateTxMAB:
		return "tx_mab"
	case StateTxSlots:
		return "tx_slots"
	case StateTxDone:
		return "tx_done"
	case StateRxWait:
		return "rx_wait"
	case StateRxSlots:
		return "rx_slots"
	case StateRxDone:
		return "rx_done"
	case StateError:
		return "error"
	default:
		return "?"
	}
}

// Config assembles one port.
type Config struct {
	// Index is the logical bus number, 0-based.
	Index  int
	Driver types.BusDriver
	// Timer defaults to a HostTimer.
	Timer types.TimingSource
	// Bus, when set, receives frame and activity notifications.
	Bus *bus.Bus
	// UID overrides the port UID; the zero value derives it from the
	// binding UID and Index.
	UID rdm.UID
	// ManufacturerID feeds binding-UID derivation when UID is zero.
	ManufacturerID uint16
	// DeviceID feeds binding-UID derivation; the 0xFFFFFFFF sentinel
	// derives from MACSource.
	DeviceID uint32
	Timings  Timings
}

type cmdKind uint8

const (
	cmdSend cmdKind = iota
	cmdReceive
)

type lineCmd struct {
	kind    cmdKind
	frame   []byte // transmit snapshot
	noBreak bool
	expect  bool
	ctx     context.Context
	reply   chan lineResult
}

type lineResult struct {
	frame []byte
	err   error
}

// Port is one logical DMX/RDM bus. A single goroutine owns the line state;
// callers talk to it through commands, which is what makes the spec's
// critical-section rules hold.
type Port struct {
	idx   int
	uid   rdm.UID
	drv   types.BusDriver
	timer types.TimingSource
	conn  *bus.Connection
	tm    Timings

	mu         sync.Mutex
	fb         frameBuffer
	tn         uint8
	bootLoader bool
	state      LineState

	sendSem chan struct{}
	cmds    chan *lineCmd

	timerCh  chan uint32
	timerSeq uint32 // loop-owned

	rxQueue [][]byte // completed inbound frames not yet claimed; loop-owned

	cancel context.CancelFunc
	done   chan struct{}
}

// Open configures the line for 250 kbit/s 8N2, derives the port UID and
// starts the line goroutine.
func Open(cfg Config) (*Port, error) {
	if cfg.Driver == nil || cfg.Index < 0 {
		return nil, errcode.InvalidParams
	}
	if cfg.Timer == nil {
		cfg.Timer = types.NewHostTimer()
	}
	cfg.Timings.sanitize()

	uid := cfg.UID
	if uid.IsNull() {
		man := cfg.ManufacturerID
		if man == 0 {
			man = 0x05E0
		}
		dev := cfg.DeviceID
		if dev == 0 {
			dev = 0xFFFFFFFF
		}
		uid = BindingUID(man, dev).XORDev(uint8(cfg.Index))
	}
	if uid.IsNull() || uid.IsBroadcast() {
		return nil, errcode.InvalidParams
	}

	if err := cfg.Driver.SetBaudRate(250000); err != nil {
		return nil, err
	}
	if err := cfg.Driver.SetFormat(8, 2, types.ParityNone); err != nil {
		return nil, err
	}
	if err := cfg.Driver.SetDirection(types.DirRX); err != nil {
		return nil, err
	}

	p := &Port{
		idx:     cfg.Index,
		uid:     uid,
		drv:     cfg.Driver,
		timer:   cfg.Timer,
		tm:      cfg.Timings,
		sendSem: make(chan struct{}, 1),
		cmds:    make(chan *lineCmd),
		timerCh: make(chan uint32, 1),
		done:    make(chan struct{}),
	}
	p.fb.init(rdm.SCDMX)
	if cfg.Bus != nil {
		p.conn = cfg.Bus.NewConnection("dmx-port")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(ctx)
	return p, nil
}

// Close stops the line goroutine and the underlying driver.
func (p *Port) Close() error {
	p.cancel()
	<-p.done
	p.timer.Cancel()
	if p.conn != nil {
		p.conn.Disconnect()
	}
	return p.drv.Close()
}

func (p *Port) Index() int   { return p.idx }
func (p *Port) UID() rdm.UID { return p.uid }

// State reports the line state as last written by the line goroutine.
func (p *Port) State() LineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Port) setState(s LineState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// ------------------------
// Frame buffer access
// ------------------------

func (p *Port) SetStartCode(sc byte) {
	p.mu.Lock()
	p.fb.setStartCode(sc)
	p.mu.Unlock()
}

// WriteSlots stores vals from data slot `slot` (1-based). The write is not
// observable on the wire until Send.
func (p *Port) WriteSlots(slot int, vals []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fb.writeSlots(slot, vals)
}

func (p *Port) ReadSlots(slot int, out []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fb.readSlots(slot, out)
}

// SlotWritten reports whether a data slot has been written since the slot
// set was last cleared, i.e. whether its value is meaningful.
func (p *Port) SlotWritten(slot int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fb.slotWritten(slot)
}

// WriteFrame replaces the whole frame, start code included.
func (p *Port) WriteFrame(frame []byte) error {
	if len(frame) == 0 || len(frame) > MaxFrameLen {
		return errcode.InvalidParams
	}
	p.mu.Lock()
	p.fb.setFrame(frame)
	p.mu.Unlock()
	return nil
}

func (p *Port) FrameLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fb.n
}

// ------------------------
// Send serialisation
// ------------------------

// TryLockSend acquires the send-mutex without waiting.
func (p *Port) TryLockSend() bool {
	select {
	case p.sendSem <- struct{}{}:
		return true
	default:
		return false
	}
}

// LockSend acquires the send-mutex, honouring ctx.
func (p *Port) LockSend(ctx context.Context) error {
	select {
	case p.sendSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errcode.Timeout
	}
}

func (p *Port) UnlockSend() { <-p.sendSem }

// NextTN hands out the port's transaction number and post-increments it,
// modulo 256. Call only when the request is actually going on the wire.
func (p *Port) NextTN() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	tn := p.tn
	p.tn++
	return tn
}

// BootLoaderRequired reports the persistent-store failure flag.
func (p *Port) BootLoaderRequired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bootLoader
}

func (p *Port) SetBootLoaderRequired(v bool) {
	p.mu.Lock()
	p.bootLoader = v
	p.mu.Unlock()
}

// ------------------------
// Transfers
// ------------------------

// Send transmits the current frame buffer with break and mark-after-break
// and returns once the last slot has left the shifter.
func (p *Port) Send(ctx context.Context) error {
	p.mu.Lock()
	snap := make([]byte, p.fb.n)
	p.fb.snapshot(snap)
	p.fb.clearWritten()
	p.mu.Unlock()
	_, err := p.submit(ctx, &lineCmd{kind: cmdSend, frame: snap})
	return err
}

// SendFrame stores frame in the buffer and transmits it. With expect set the
// call turns the line around and waits for one response frame.
func (p *Port) SendFrame(ctx context.Context, frame []byte, expect bool) ([]byte, error) {
	if err := p.WriteFrame(frame); err != nil {
		return nil, err
	}
	snap := append([]byte(nil), frame...)
	res, err := p.submit(ctx, &lineCmd{kind: cmdSend, frame: snap, expect: expect})
	if err != nil {
		return nil, err
	}
	return res.frame, nil
}

// SendDiscResponse transmits a DISC_UNIQUE_BRANCH response, which goes out
// without a leading break.
func (p *Port) SendDiscResponse(ctx context.Context, data []byte) error {
	snap := append([]byte(nil), data...)
	_, err := p.submit(ctx, &lineCmd{kind: cmdSend, frame: snap, noBreak: true})
	return err
}

// Receive returns the next complete inbound frame.
func (p *Port) Receive(ctx context.Context) ([]byte, error) {
	res, err := p.submit(ctx, &lineCmd{kind: cmdReceive})
	if err != nil {
		return nil, err
	}
	return res.frame, nil
}

func (p *Port) submit(ctx context.Context, cmd *lineCmd) (lineResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.ctx = ctx
	cmd.reply = make(chan lineResult, 1)
	select {
	case p.cmds <- cmd:
	case <-ctx.Done():
		return lineResult{}, errcode.Timeout
	case <-p.done:
		return lineResult{}, errcode.Closed
	}
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		// the loop finishes on its own and discards the buffered reply
		return lineResult{}, errcode.Timeout
	case <-p.done:
		return lineResult{}, errcode.Closed
	}
}

// ------------------------
// Line goroutine
// ------------------------

func (p *Port) loop(ctx context.Context) {
	defer close(p.done)
	events := p.drv.Events()
	for {
		p.setState(StateIdle)
		select {
		case <-ctx.Done():
			return
		case cmd := <-p.cmds:
			switch cmd.kind {
			case cmdSend:
				cmd.reply <- p.runSend(ctx, cmd)
			case cmdReceive:
				cmd.reply <- p.runReceive(ctx, cmd)
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handleIdleEvent(ctx, ev)
		}
	}
}

// armTimer schedules the single one-shot the sequencing uses. Returns the
// sequence number the expiry will carry; anything else on timerCh is stale.
// Only the line goroutine arms, so draining a leftover expiry here cannot
// race a live one: the replaced timer is spent and the new one has not fired.
func (p *Port) armTimer(d time.Duration) uint32 {
	select {
	case <-p.timerCh:
	default:
	}
	p.timerSeq++
	seq := p.timerSeq
	p.timer.ArmOneShot(d, func() {
		select {
		case p.timerCh <- seq:
		default:
		}
	})
	return seq
}

func (p *Port) runSend(ctx context.Context, cmd *lineCmd) lineResult {
	_ = p.drv.Flush() // stale RX must not masquerade as a response

	if err := p.drv.SetDirection(types.DirTX); err != nil {
		return lineResult{err: busErr(err)}
	}
	if !cmd.noBreak {
		p.setState(StateTxBreak)
		if err := p.drv.SetBreak(true); err != nil {
			return lineResult{err: busErr(err)}
		}
		if err := p.sleepTimer(ctx, p.tm.Break); err != nil {
			return lineResult{err: err}
		}
		if err := p.drv.SetBreak(false); err != nil {
			return lineResult{err: busErr(err)}
		}
		p.setState(StateTxMAB)
		if err := p.sleepTimer(ctx, p.tm.MAB); err != nil {
			return lineResult{err: err}
		}
	}

	p.setState(StateTxSlots)
	if _, err := p.drv.Write(cmd.frame); err != nil {
		p.setState(StateError)
		return lineResult{err: busErr(err)}
	}
	if err := p.waitTxDone(ctx, len(cmd.frame)); err != nil {
		p.setState(StateError)
		return lineResult{err: err}
	}
	p.setState(StateTxDone)

	if err := p.drv.SetDirection(types.DirRX); err != nil {
		return lineResult{err: busErr(err)}
	}
	if !cmd.expect {
		return lineResult{}
	}

	p.setState(StateRxWait)
	frame, err := p.collect(ctx, cmd.ctx, nil, true)
	if err != nil {
		p.setState(StateError)
		return lineResult{err: err}
	}
	p.setState(StateRxDone)
	return lineResult{frame: frame}
}

func (p *Port) runReceive(ctx context.Context, cmd *lineCmd) lineResult {
	// Claim a frame that completed before the caller asked.
	if len(p.rxQueue) > 0 {
		frame := p.rxQueue[0]
		p.rxQueue = p.rxQueue[1:]
		return lineResult{frame: frame}
	}
	p.setState(StateRxWait)
	frame, err := p.collect(ctx, cmd.ctx, nil, false)
	if err != nil {
		return lineResult{err: err}
	}
	p.setState(StateRxDone)
	p.deliverInbound(frame)
	return lineResult{frame: frame}
}

// handleIdleEvent collects an unsolicited inbound frame and parks it for the
// next Receive.
func (p *Port) handleIdleEvent(ctx context.Context, ev types.LineEvent) {
	switch ev.Kind {
	case types.EvRxData, types.EvBreak:
		p.setState(StateRxWait)
		frame, err := p.collect(ctx, ctx, &ev, false)
		if err != nil || len(frame) == 0 {
			return
		}
		p.deliverInbound(frame)
		if len(p.rxQueue) >= 4 {
			p.rxQueue = p.rxQueue[1:]
		}
		p.rxQueue = append(p.rxQueue, frame)
	default:
		// TX completion echoes and framing noise on an idle line
	}
}

// collect gathers one frame. With respWindow set, the first byte must arrive
// within the response timeout; without it the wait is bounded only by
// callerCtx. A frame ends on an inter-slot gap, a full buffer, or a break
// after data.
func (p *Port) collect(ctx, callerCtx context.Context, first *types.LineEvent, respWindow bool) ([]byte, error) {
	buf := make([]byte, 0, MaxFrameLen)
	events := p.drv.Events()

	var seq uint32
	armed := false
	if first != nil {
		if first.Kind == types.EvRxData && len(first.Data) > 0 {
			buf = append(buf, first.Data...)
			p.setState(StateRxSlots)
		}
		seq = p.armTimer(p.tm.RxIdle)
		armed = true
	} else if respWindow {
		seq = p.armTimer(p.tm.ResponseTimeout)
		armed = true
	}

	for {
		select {
		case <-ctx.Done():
			return nil, errcode.Closed
		case <-callerCtx.Done():
			return nil, errcode.Timeout
		case got := <-p.timerCh:
			if !armed || got != seq {
				continue // stale expiry
			}
			if len(buf) == 0 {
				return nil, errcode.Timeout
			}
			return buf, nil
		case ev, ok := <-events:
			if !ok {
				return nil, errcode.Closed
			}
			switch ev.Kind {
			case types.EvRxData:
				buf = append(buf, ev.Data...)
				p.setState(StateRxSlots)
				if len(buf) >= MaxFrameLen {
					return buf[:MaxFrameLen], nil
				}
				seq = p.armTimer(p.tm.RxIdle)
				armed = true
			case types.EvBreak:
				// A break inside a frame terminates it; a break on a
				// quiet line opens the receive window.
				if len(buf) > 0 {
					return buf, nil
				}
				seq = p.armTimer(p.tm.RxIdle)
				armed = true
			case types.EvFramingError:
				return nil, errcode.BusError
			}
		}
	}
}

// sleepTimer waits out one armed interval, discarding line events: the
// state machine ignores RX while transmitting.
func (p *Port) sleepTimer(ctx context.Context, d time.Duration) error {
	seq := p.armTimer(d)
	events := p.drv.Events()
	for {
		select {
		case <-ctx.Done():
			return errcode.Closed
		case got := <-p.timerCh:
			if got == seq {
				return nil
			}
		case _, ok := <-events:
			if !ok {
				return errcode.Closed
			}
		}
	}
}

// waitTxDone blocks until the driver reports TX completion, with the
// computed frame time plus grace as the upper bound.
func (p *Port) waitTxDone(ctx context.Context, slots int) error {
	limit := timex.FrameTime(slots) + TxDrainGrace
	seq := p.armTimer(limit)
	events := p.drv.Events()
	for {
		select {
		case <-ctx.Done():
			return errcode.Closed
		case got := <-p.timerCh:
			if got == seq {
				// no completion event; the computed drain time bounds it
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return errcode.Closed
			}
			if ev.Kind == types.EvTxDone {
				p.timer.Cancel()
				return nil
			}
			// RX echoes of our own slots are ignored while transmitting
		}
	}
}

func (p *Port) deliverInbound(frame []byte) {
	p.mu.Lock()
	p.fb.setFrame(frame)
	p.mu.Unlock()
	if p.conn == nil {
		return
	}
	cp := append([]byte(nil), frame...)
	if frame[0] == rdm.SCDMX {
		// retained: late subscribers see the current look
		p.conn.Publish(bus.T("dmx", p.idx, "rx"), cp, true)
	} else {
		p.conn.Publish(bus.T("rdm", p.idx, "rx"), cp, false)
	}
}

func busErr(err error) error {
	return &errcode.E{C: errcode.BusError, Op: "line", Err: err}
}
