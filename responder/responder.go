package responder

import (
	"context"
	"sync"

	"github.com/airgiants/esp-dmx/config"
	"github.com/airgiants/esp-dmx/dmx"
	"github.com/airgiants/esp-dmx/errcode"
	"github.com/airgiants/esp-dmx/rdm"
	"github.com/airgiants/esp-dmx/types"
)

// DeviceInfo is the root-device state behind the DEVICE_INFO parameter.
type DeviceInfo struct {
	ModelID            uint16
	ProductCategory    uint16
	SoftwareVersionID  uint32
	Footprint          uint16
	PersonalityCurrent uint8
	PersonalityCount   uint8
	StartAddress       uint16
	SubDeviceCount     uint16
	SensorCount        uint8
}

// Options configure a responder beyond its port.
type Options struct {
	Config config.Config
	// Store persists parameters flagged NonVolatile; nil keeps everything
	// in memory.
	Store types.Store
	// SoftwareLabel answers SOFTWARE_VERSION_LABEL.
	SoftwareLabel string
	Info          DeviceInfo
	// IncludeBindingUID adds the binding UID to mute responses, the
	// multi-port form.
	IncludeBindingUID bool
	// OnIdentify observes IDENTIFY_DEVICE state changes.
	OnIdentify func(on bool)
}

// Responder owns the responder side of one port: it consumes inbound
// frames, dispatches RDM requests through the parameter table and emits
// replies. Broadcast requests are acted upon but never answered, except for
// DISC_UNIQUE_BRANCH's encoded response.
type Responder struct {
	port  *dmx.Port
	table *Table
	opts  Options

	mu       sync.Mutex
	muted    bool
	identify bool
	info     DeviceInfo

	// scratch backs response parameter data; Serve is single-goroutine.
	scratch [rdm.MaxPDL]byte
}

func New(port *dmx.Port, opts Options) (*Responder, error) {
	if port == nil {
		return nil, errcode.InvalidParams
	}
	if opts.Config.ResponderMaxPIDs == 0 {
		opts.Config = config.Default()
	}
	if opts.Info.PersonalityCount == 0 {
		opts.Info.PersonalityCount = 1
	}
	if int(opts.Info.PersonalityCount) > opts.Config.MaxPersonalities {
		opts.Info.PersonalityCount = uint8(opts.Config.MaxPersonalities)
	}
	if opts.Info.PersonalityCurrent == 0 {
		opts.Info.PersonalityCurrent = 1
	}
	if opts.Info.StartAddress == 0 {
		opts.Info.StartAddress = 1
	}
	r := &Responder{
		port:  port,
		table: NewTable(opts.Config.ResponderMaxPIDs, opts.Config.ResponderMaxPIDs*32),
		opts:  opts,
		info:  opts.Info,
	}
	if err := r.registerDefaults(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Responder) Table() *Table { return r.table }

// Muted reports the discovery mute flag.
func (r *Responder) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted
}

// Identify reports the IDENTIFY_DEVICE state.
func (r *Responder) Identify() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identify
}

// Info returns the current device info snapshot.
func (r *Responder) Info() DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// Serve consumes inbound frames until ctx ends.
func (r *Responder) Serve(ctx context.Context) error {
	for {
		frame, err := r.port.Receive(ctx)
		if err != nil {
			switch errcode.Of(err) {
			case errcode.Closed:
				return err
			}
			if ctx.Err() != nil {
				return errcode.Timeout
			}
			continue
		}
		r.HandleFrame(ctx, frame)
	}
}

// HandleFrame dispatches one inbound frame. Exposed so hosts that own their
// receive loop can feed the responder directly.
func (r *Responder) HandleFrame(ctx context.Context, frame []byte) {
	pkt, err := rdm.Decode(frame)
	if err != nil || pkt.DiscResponse || !pkt.CC.IsRequest() {
		return
	}
	if !r.port.UID().Matches(pkt.DestUID) {
		return
	}
	bcast := pkt.DestUID.IsBroadcast()

	if pkt.CC == rdm.CCDiscCommand {
		r.handleDiscovery(ctx, pkt, bcast)
		return
	}

	pdl, nack, ok, slot := r.dispatch(pkt)
	if bcast {
		if slot != nil && slot.Callback != nil {
			slot.Callback(&pkt.Header)
		}
		return
	}

	rt := rdm.RTAck
	pd := r.scratch[:pdl]
	if !ok {
		rt = rdm.RTNackReason
		pd = r.scratch[:2]
		pd[0] = byte(uint16(nack) >> 8)
		pd[1] = byte(nack)
	}
	r.reply(ctx, &pkt.Header, rt, pd)
	if slot != nil && slot.Callback != nil {
		slot.Callback(&pkt.Header)
	}
}

// dispatch runs the table lookup rules: unknown PID, forbidden command
// class, then sub-device addressing, then the driver handler.
func (r *Responder) dispatch(pkt *rdm.Packet) (int, rdm.NackReason, bool, *Slot) {
	slot := r.table.Find(pkt.PID)
	if slot == nil {
		return 0, rdm.NRUnknownPID, false, nil
	}
	var need uint8
	if pkt.CC == rdm.CCGetCommand {
		need = rdm.CCFlagGet
	} else {
		need = rdm.CCFlagSet
	}
	if slot.Desc.CCMask&need == 0 {
		return 0, rdm.NRUnsupportedCommandClass, false, slot
	}
	// Multi-sub-device support is deferred: only the root device answers.
	if pkt.SubDevice != rdm.SubDeviceRoot &&
		!(pkt.SubDevice == rdm.SubDeviceAll && pkt.CC == rdm.CCSetCommand) {
		return 0, rdm.NRSubDeviceOutOfRange, false, slot
	}
	pdl, nack, ok := slot.Handler(r, slot, &pkt.Header, pkt.PD, r.scratch[:])
	return pdl, nack, ok, slot
}

func (r *Responder) handleDiscovery(ctx context.Context, pkt *rdm.Packet, bcast bool) {
	switch pkt.PID {
	case rdm.PIDDiscUniqueBranch:
		if r.Muted() || len(pkt.PD) < 12 {
			return
		}
		lo := rdm.UIDAt(pkt.PD[0:6]).Uint64()
		hi := rdm.UIDAt(pkt.PD[6:12]).Uint64()
		me := r.port.UID().Uint64()
		if me < lo || me > hi {
			return
		}
		var buf [32]byte
		n, err := rdm.EncodeDiscResponse(buf[:], r.port.UID())
		if err != nil {
			return
		}
		r.sendLocked(ctx, func() error {
			return r.port.SendDiscResponse(ctx, buf[:n])
		})

	case rdm.PIDDiscMute, rdm.PIDDiscUnMute:
		r.mu.Lock()
		r.muted = pkt.PID == rdm.PIDDiscMute
		r.mu.Unlock()
		if bcast {
			return
		}
		r.reply(ctx, &pkt.Header, rdm.RTAck, r.muteParams())
	}
}

// muteParams builds the mute/un-mute response payload: control field and,
// for multi-port devices, the binding UID.
func (r *Responder) muteParams() []byte {
	var ctrl uint16
	if r.port.BootLoaderRequired() {
		ctrl |= rdm.MuteBootLoader
	}
	pd := r.scratch[:2]
	pd[0] = byte(ctrl >> 8)
	pd[1] = byte(ctrl)
	if r.opts.IncludeBindingUID {
		pd = r.scratch[:8]
		// the binding UID is the port UID with the port offset undone
		binding := r.port.UID().XORDev(uint8(r.port.Index()))
		binding.Put(pd[2:])
	}
	return pd
}

// reply emits one response frame. The send-mutex is held for the emission,
// which is what orders a responder reply ahead of any controller request on
// the same port.
func (r *Responder) reply(ctx context.Context, req *rdm.Header, rt rdm.ResponseType, pd []byte) {
	resp := rdm.Header{
		DestUID:      req.SrcUID,
		SrcUID:       r.port.UID(),
		TN:           req.TN,
		PortID:       uint8(rt),
		MessageCount: 0,
		SubDevice:    req.SubDevice,
		CC:           req.CC.Response(),
		PID:          req.PID,
	}
	var buf [rdm.MaxPacket]byte
	n, err := rdm.Encode(buf[:], &resp, pd)
	if err != nil {
		return
	}
	r.sendLocked(ctx, func() error {
		_, err := r.port.SendFrame(ctx, buf[:n], false)
		return err
	})
}

func (r *Responder) sendLocked(ctx context.Context, send func() error) {
	if err := r.port.LockSend(ctx); err != nil {
		return
	}
	defer r.port.UnlockSend()
	_ = send()
}
