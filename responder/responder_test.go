package responder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/airgiants/esp-dmx/config"
	"github.com/airgiants/esp-dmx/dmx"
	"github.com/airgiants/esp-dmx/rdm"
	"github.com/airgiants/esp-dmx/types"
)

var ctrlUID = rdm.UID{Man: 0x05E0, Dev: 0x12345678}

// fakeLine injects controller frames and captures everything the responder
// puts on the wire.
type fakeLine struct {
	mu      sync.Mutex
	events  chan types.LineEvent
	writes  chan []byte
	breaks  int
	lastBrk int // breaks seen before the most recent write
	closed  bool
}

func newFakeLine() *fakeLine {
	return &fakeLine{
		events: make(chan types.LineEvent, 64),
		writes: make(chan []byte, 16),
	}
}

func (f *fakeLine) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.lastBrk = f.breaks
	f.mu.Unlock()
	f.emit(types.LineEvent{Kind: types.EvTxDone, TS: time.Now()})
	f.writes <- append([]byte(nil), p...)
	return len(p), nil
}

func (f *fakeLine) SetBreak(on bool) error {
	if on {
		f.mu.Lock()
		f.breaks++
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeLine) ReadAvailable(p []byte) int                 { return 0 }
func (f *fakeLine) Flush() error                               { return nil }
func (f *fakeLine) SetDirection(d types.Direction) error       { return nil }
func (f *fakeLine) WaitIdle(ctx context.Context) error         { return nil }
func (f *fakeLine) SetBaudRate(baud uint32) error              { return nil }
func (f *fakeLine) SetFormat(d, s uint8, p types.Parity) error { return nil }
func (f *fakeLine) Events() <-chan types.LineEvent             { return f.events }

func (f *fakeLine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeLine) emit(ev types.LineEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ev
	}
}

// push delivers one controller frame to the line.
func (f *fakeLine) push(frame []byte) {
	f.emit(types.LineEvent{Kind: types.EvBreak, TS: time.Now()})
	f.emit(types.LineEvent{Kind: types.EvRxData, Data: append([]byte(nil), frame...), TS: time.Now()})
}

func (f *fakeLine) awaitWrite(t *testing.T) []byte {
	t.Helper()
	select {
	case w := <-f.writes:
		return w
	case <-time.After(time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

func (f *fakeLine) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case w := <-f.writes:
		t.Fatalf("unexpected frame written: %x", w)
	case <-time.After(30 * time.Millisecond):
	}
}

type fixture struct {
	line  *fakeLine
	port  *dmx.Port
	resp  *Responder
	store *types.MemStore
	tn    uint8
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	line := newFakeLine()
	port, err := dmx.Open(dmx.Config{
		Driver: line,
		UID:    rdm.UID{Man: 0x05E0, Dev: 0x00000001},
		Timings: dmx.Timings{
			RxIdle:          3 * time.Millisecond,
			ResponseTimeout: 5 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = port.Close() })

	store, _ := opts.Store.(*types.MemStore)
	if opts.Store == nil {
		store = types.NewMemStore()
		opts.Store = store
	}
	r, err := New(port, opts)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Serve(ctx) }()

	return &fixture{line: line, port: port, resp: r, store: store}
}

// request pushes a controller frame and returns its header.
func (fx *fixture) request(t *testing.T, dest rdm.UID, cc rdm.CommandClass, pid uint16, subdev uint16, pd []byte) rdm.Header {
	t.Helper()
	h := rdm.Header{
		DestUID:   dest,
		SrcUID:    ctrlUID,
		TN:        fx.tn,
		PortID:    1,
		SubDevice: subdev,
		CC:        cc,
		PID:       pid,
	}
	fx.tn++
	var buf [rdm.MaxPacket]byte
	n, err := rdm.Encode(buf[:], &h, pd)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	fx.line.push(buf[:n])
	return h
}

func (fx *fixture) roundTrip(t *testing.T, cc rdm.CommandClass, pid uint16, subdev uint16, pd []byte) *rdm.Packet {
	t.Helper()
	req := fx.request(t, fx.port.UID(), cc, pid, subdev, pd)
	wire := fx.line.awaitWrite(t)
	pkt, err := rdm.Decode(wire)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if pkt.CC != req.CC.Response() || pkt.PID != req.PID || pkt.TN != req.TN {
		t.Fatalf("reply header %+v for request %+v", pkt.Header, req)
	}
	if pkt.DestUID != ctrlUID || pkt.SrcUID != fx.port.UID() {
		t.Fatalf("reply addressing %+v", pkt.Header)
	}
	return pkt
}

func TestNackOnUnknownPID(t *testing.T) {
	fx := newFixture(t, Options{})
	pkt := fx.roundTrip(t, rdm.CCGetCommand, 0x0080, rdm.SubDeviceRoot, nil)
	if pkt.ResponseType() != rdm.RTNackReason {
		t.Fatalf("response type %v", pkt.ResponseType())
	}
	if len(pkt.PD) != 2 || pkt.PD[0] != 0x00 || pkt.PD[1] != 0x00 {
		t.Fatalf("nack pd %x, want 0000 (UNKNOWN_PID)", pkt.PD)
	}
}

func TestNackOnUnsupportedCommandClass(t *testing.T) {
	fx := newFixture(t, Options{})
	pkt := fx.roundTrip(t, rdm.CCSetCommand, rdm.PIDDeviceInfo, rdm.SubDeviceRoot, nil)
	if pkt.ResponseType() != rdm.RTNackReason {
		t.Fatalf("response type %v", pkt.ResponseType())
	}
	reason := rdm.NackReason(uint16(pkt.PD[0])<<8 | uint16(pkt.PD[1]))
	if reason != rdm.NRUnsupportedCommandClass {
		t.Fatalf("reason %v", reason)
	}
}

func TestNackOnSubDevice(t *testing.T) {
	fx := newFixture(t, Options{})
	pkt := fx.roundTrip(t, rdm.CCGetCommand, rdm.PIDDeviceInfo, 5, nil)
	reason := rdm.NackReason(uint16(pkt.PD[0])<<8 | uint16(pkt.PD[1]))
	if pkt.ResponseType() != rdm.RTNackReason || reason != rdm.NRSubDeviceOutOfRange {
		t.Fatalf("rt=%v reason=%v", pkt.ResponseType(), reason)
	}
}

func TestGetDeviceInfo(t *testing.T) {
	fx := newFixture(t, Options{
		Info: DeviceInfo{ModelID: 0x1234, Footprint: 4, StartAddress: 0x0140},
	})
	pkt := fx.roundTrip(t, rdm.CCGetCommand, rdm.PIDDeviceInfo, rdm.SubDeviceRoot, nil)
	if pkt.ResponseType() != rdm.RTAck {
		t.Fatalf("response type %v", pkt.ResponseType())
	}
	pd := pkt.PD
	if len(pd) != 19 {
		t.Fatalf("pdl %d", len(pd))
	}
	if pd[0] != 0x01 || pd[1] != 0x00 {
		t.Fatalf("protocol version %x", pd[:2])
	}
	if model := uint16(pd[2])<<8 | uint16(pd[3]); model != 0x1234 {
		t.Fatalf("model %04x", model)
	}
	if addr := uint16(pd[14])<<8 | uint16(pd[15]); addr != 0x0140 {
		t.Fatalf("start address %04x", addr)
	}
}

func TestStartAddressSetGetAndPersist(t *testing.T) {
	fx := newFixture(t, Options{})

	pkt := fx.roundTrip(t, rdm.CCSetCommand, rdm.PIDDMXStartAddress, rdm.SubDeviceRoot, []byte{0x01, 0x40})
	if pkt.ResponseType() != rdm.RTAck {
		t.Fatalf("set rt %v", pkt.ResponseType())
	}

	pkt = fx.roundTrip(t, rdm.CCGetCommand, rdm.PIDDMXStartAddress, rdm.SubDeviceRoot, nil)
	if pkt.ResponseType() != rdm.RTAck || len(pkt.PD) != 2 {
		t.Fatalf("get %+v pd=%x", pkt.ResponseType(), pkt.PD)
	}
	if pkt.PD[0] != 0x01 || pkt.PD[1] != 0x40 {
		t.Fatalf("address on wire %x", pkt.PD)
	}
	if fx.resp.Info().StartAddress != 0x0140 {
		t.Fatalf("info %+v", fx.resp.Info())
	}

	// persisted little-endian record under (port, pid)
	var rec [4]byte
	n, ok := fx.store.Load(fx.port.Index(), rdm.PIDDMXStartAddress, rec[:])
	if !ok || n != 2 || rec[0] != 0x40 || rec[1] != 0x01 {
		t.Fatalf("store record n=%d ok=%v rec=%x", n, ok, rec[:n])
	}
}

func TestStartAddressOutOfRange(t *testing.T) {
	fx := newFixture(t, Options{})
	pkt := fx.roundTrip(t, rdm.CCSetCommand, rdm.PIDDMXStartAddress, rdm.SubDeviceRoot, []byte{0x00, 0x00})
	reason := rdm.NackReason(uint16(pkt.PD[0])<<8 | uint16(pkt.PD[1]))
	if pkt.ResponseType() != rdm.RTNackReason || reason != rdm.NRDataOutOfRange {
		t.Fatalf("rt=%v reason=%v", pkt.ResponseType(), reason)
	}
}

func TestDeviceLabelRoundTrip(t *testing.T) {
	fx := newFixture(t, Options{})

	label := []byte("backlight")
	if pkt := fx.roundTrip(t, rdm.CCSetCommand, rdm.PIDDeviceLabel, rdm.SubDeviceRoot, label); pkt.ResponseType() != rdm.RTAck {
		t.Fatalf("set rt %v", pkt.ResponseType())
	}
	pkt := fx.roundTrip(t, rdm.CCGetCommand, rdm.PIDDeviceLabel, rdm.SubDeviceRoot, nil)
	if pkt.ResponseType() != rdm.RTAck || string(pkt.PD) != "backlight" {
		t.Fatalf("get pd %q", pkt.PD)
	}
}

func TestIdentifyDevice(t *testing.T) {
	var notified bool
	fx := newFixture(t, Options{OnIdentify: func(on bool) { notified = on }})

	if pkt := fx.roundTrip(t, rdm.CCSetCommand, rdm.PIDIdentifyDevice, rdm.SubDeviceRoot, []byte{1}); pkt.ResponseType() != rdm.RTAck {
		t.Fatalf("set rt %v", pkt.ResponseType())
	}
	if !fx.resp.Identify() || !notified {
		t.Fatal("identify state not applied")
	}
	pkt := fx.roundTrip(t, rdm.CCGetCommand, rdm.PIDIdentifyDevice, rdm.SubDeviceRoot, nil)
	if len(pkt.PD) != 1 || pkt.PD[0] != 1 {
		t.Fatalf("get pd %x", pkt.PD)
	}

	// out-of-range value
	pkt = fx.roundTrip(t, rdm.CCSetCommand, rdm.PIDIdentifyDevice, rdm.SubDeviceRoot, []byte{2})
	if pkt.ResponseType() != rdm.RTNackReason {
		t.Fatalf("rt %v", pkt.ResponseType())
	}
}

func TestBroadcastActedUponNotAnswered(t *testing.T) {
	fx := newFixture(t, Options{})

	fx.request(t, rdm.BroadcastAll, rdm.CCSetCommand, rdm.PIDIdentifyDevice, rdm.SubDeviceRoot, []byte{1})
	fx.line.expectSilence(t)

	deadline := time.After(time.Second)
	for !fx.resp.Identify() {
		select {
		case <-deadline:
			t.Fatal("broadcast set not acted upon")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSupportedParameters(t *testing.T) {
	fx := newFixture(t, Options{})
	pkt := fx.roundTrip(t, rdm.CCGetCommand, rdm.PIDSupportedParameters, rdm.SubDeviceRoot, nil)
	if pkt.ResponseType() != rdm.RTAck || len(pkt.PD)%2 != 0 {
		t.Fatalf("rt=%v pd=%x", pkt.ResponseType(), pkt.PD)
	}
	listed := map[uint16]bool{}
	for i := 0; i < len(pkt.PD); i += 2 {
		listed[uint16(pkt.PD[i])<<8|uint16(pkt.PD[i+1])] = true
	}
	if !listed[rdm.PIDDeviceLabel] || !listed[rdm.PIDParameterDescription] {
		t.Fatalf("listed %v", listed)
	}
	if listed[rdm.PIDDeviceInfo] || listed[rdm.PIDSupportedParameters] {
		t.Fatalf("mandatory pids leaked into the list: %v", listed)
	}
}

func TestParameterDescription(t *testing.T) {
	fx := newFixture(t, Options{})
	pkt := fx.roundTrip(t, rdm.CCGetCommand, rdm.PIDParameterDescription, rdm.SubDeviceRoot,
		[]byte{byte(rdm.PIDDMXStartAddress >> 8), byte(rdm.PIDDMXStartAddress)})
	if pkt.ResponseType() != rdm.RTAck {
		t.Fatalf("rt %v", pkt.ResponseType())
	}
	if pid := uint16(pkt.PD[0])<<8 | uint16(pkt.PD[1]); pid != rdm.PIDDMXStartAddress {
		t.Fatalf("described pid %04x", pid)
	}
	// max field sits after pid(2) pdl(1) type(1) cc(1) zero(1) unit(1) prefix(1) min(4)
	max := uint32(pkt.PD[12])<<24 | uint32(pkt.PD[13])<<16 | uint32(pkt.PD[14])<<8 | uint32(pkt.PD[15])
	if max != 512 {
		t.Fatalf("max %d", max)
	}

	// unknown pid
	pkt = fx.roundTrip(t, rdm.CCGetCommand, rdm.PIDParameterDescription, rdm.SubDeviceRoot, []byte{0xBE, 0xEF})
	reason := rdm.NackReason(uint16(pkt.PD[0])<<8 | uint16(pkt.PD[1]))
	if pkt.ResponseType() != rdm.RTNackReason || reason != rdm.NRDataOutOfRange {
		t.Fatalf("rt=%v reason=%v", pkt.ResponseType(), reason)
	}
}

func TestDiscoveryResponses(t *testing.T) {
	fx := newFixture(t, Options{})
	me := fx.port.UID()

	// a branch covering this device draws the break-less encoded response
	pd := make([]byte, 12)
	rdm.UID{Man: 0x7FFF, Dev: 0xFFFFFFFF}.Put(pd[6:])
	fx.request(t, rdm.BroadcastAll, rdm.CCDiscCommand, rdm.PIDDiscUniqueBranch, rdm.SubDeviceRoot, pd)
	wire := fx.line.awaitWrite(t)
	pkt, err := rdm.Decode(wire)
	if err != nil || !pkt.DiscResponse || pkt.DiscUID != me {
		t.Fatalf("disc response %x: %v %+v", wire, err, pkt)
	}
	fx.line.mu.Lock()
	brk := fx.line.lastBrk
	fx.line.mu.Unlock()
	if brk != 0 {
		t.Fatal("discovery response was sent with a leading break")
	}

	// a branch excluding the device draws nothing
	rdm.UID{Man: 0x0001, Dev: 0}.Put(pd[0:])
	rdm.UID{Man: 0x0001, Dev: 0xFF}.Put(pd[6:])
	fx.request(t, rdm.BroadcastAll, rdm.CCDiscCommand, rdm.PIDDiscUniqueBranch, rdm.SubDeviceRoot, pd)
	fx.line.expectSilence(t)

	// mute, then the device goes quiet for discovery
	pkt = fx.roundTrip(t, rdm.CCDiscCommand, rdm.PIDDiscMute, rdm.SubDeviceRoot, nil)
	if pkt.ResponseType() != rdm.RTAck || len(pkt.PD) < 2 {
		t.Fatalf("mute reply %+v pd=%x", pkt.ResponseType(), pkt.PD)
	}
	if !fx.resp.Muted() {
		t.Fatal("mute flag not set")
	}

	pd = make([]byte, 12)
	rdm.UID{Man: 0x7FFF, Dev: 0xFFFFFFFF}.Put(pd[6:])
	fx.request(t, rdm.BroadcastAll, rdm.CCDiscCommand, rdm.PIDDiscUniqueBranch, rdm.SubDeviceRoot, pd)
	fx.line.expectSilence(t)

	// broadcast un-mute is acted upon silently
	fx.request(t, rdm.BroadcastAll, rdm.CCDiscCommand, rdm.PIDDiscUnMute, rdm.SubDeviceRoot, nil)
	fx.line.expectSilence(t)
	deadline := time.After(time.Second)
	for fx.resp.Muted() {
		select {
		case <-deadline:
			t.Fatal("broadcast un-mute ignored")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPersistFailureRaisesBootLoaderFlag(t *testing.T) {
	store := types.NewMemStore()
	store.FailWrites = true
	fx := newFixture(t, Options{Store: store})

	// the set still succeeds; only the flag goes up
	pkt := fx.roundTrip(t, rdm.CCSetCommand, rdm.PIDDMXStartAddress, rdm.SubDeviceRoot, []byte{0x00, 0x10})
	if pkt.ResponseType() != rdm.RTAck {
		t.Fatalf("set rt %v", pkt.ResponseType())
	}
	if !fx.port.BootLoaderRequired() {
		t.Fatal("boot-loader flag not raised")
	}

	// and the mute control field carries it
	pkt = fx.roundTrip(t, rdm.CCDiscCommand, rdm.PIDDiscMute, rdm.SubDeviceRoot, nil)
	ctrl := uint16(pkt.PD[0])<<8 | uint16(pkt.PD[1])
	if ctrl&rdm.MuteBootLoader == 0 {
		t.Fatalf("control field %04x", ctrl)
	}
}

func TestRestoreFromStore(t *testing.T) {
	store := types.NewMemStore()
	store.Store(0, rdm.PIDDMXStartAddress, []byte{0x40, 0x01}) // LE 0x0140
	fx := newFixture(t, Options{Store: store})

	pkt := fx.roundTrip(t, rdm.CCGetCommand, rdm.PIDDMXStartAddress, rdm.SubDeviceRoot, nil)
	if pkt.PD[0] != 0x01 || pkt.PD[1] != 0x40 {
		t.Fatalf("restored address %x", pkt.PD)
	}
	if fx.resp.Info().StartAddress != 0x0140 {
		t.Fatalf("info %+v", fx.resp.Info())
	}
}

func TestForeignFramesIgnored(t *testing.T) {
	fx := newFixture(t, Options{})

	// addressed elsewhere
	fx.request(t, rdm.UID{Man: 0x0001, Dev: 0x99}, rdm.CCGetCommand, rdm.PIDDeviceInfo, rdm.SubDeviceRoot, nil)
	fx.line.expectSilence(t)

	// a foreign manufacturer broadcast
	fx.request(t, rdm.ManBroadcast(0x0042), rdm.CCSetCommand, rdm.PIDIdentifyDevice, rdm.SubDeviceRoot, []byte{1})
	fx.line.expectSilence(t)
	if fx.resp.Identify() {
		t.Fatal("foreign broadcast acted upon")
	}
}

func TestResponderConfigCapacity(t *testing.T) {
	cfg := config.Default()
	cfg.ResponderMaxPIDs = 7 // exactly the built-in set
	line := newFakeLine()
	port, err := dmx.Open(dmx.Config{Driver: line, UID: rdm.UID{Man: 1, Dev: 1}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer port.Close()
	r, err := New(port, Options{Config: cfg})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	extra := Slot{
		Desc:    Descriptor{PID: 0x8000, CCMask: rdm.CCFlagGet, Format: "b$"},
		Handler: func(*Responder, *Slot, *rdm.Header, []byte, []byte) (int, rdm.NackReason, bool) { return 0, 0, true },
	}
	if err := r.Register(extra); err == nil {
		t.Fatal("registration beyond capacity accepted")
	}
}
