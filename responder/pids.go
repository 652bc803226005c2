package responder

import (
	"encoding/binary"

	"github.com/airgiants/esp-dmx/rdm"
)

// Wire formats of the built-in parameter set.
const (
	fmtDeviceInfo = "#0100hwwdwbbwwb$"
	fmtASCII      = "a$"
	fmtByte       = "b$"
	fmtWord       = "w$"
	fmtPIDList    = "w"
	fmtParamDesc  = "wbbbbbbddda$"
)

// registerDefaults installs the parameters every responder must speak.
// DISC_UNIQUE_BRANCH, DISC_MUTE and DISC_UN_MUTE never reach the table;
// the engine answers them directly.
func (r *Responder) registerDefaults() error {
	regs := []Slot{
		{
			Desc: Descriptor{
				PID:      rdm.PIDDeviceInfo,
				PDLSize:  19,
				DataType: rdm.DataTypeBitField,
				CCMask:   rdm.CCFlagGet,
				Format:   fmtDeviceInfo,
			},
			Handler: handleDeviceInfo,
		},
		{
			Desc: Descriptor{
				PID:      rdm.PIDSoftwareVersionLabel,
				PDLSize:  32,
				DataType: rdm.DataTypeASCII,
				CCMask:   rdm.CCFlagGet,
				Format:   fmtASCII,
			},
			Handler: handleSoftwareVersionLabel,
		},
		{
			Desc: Descriptor{
				PID:      rdm.PIDIdentifyDevice,
				PDLSize:  1,
				DataType: rdm.DataTypeUnsignedByte,
				CCMask:   rdm.CCFlagGet | rdm.CCFlagSet,
				Max:      1,
				Format:   fmtByte,
			},
			Handler: handleIdentifyDevice,
		},
		{
			Desc: Descriptor{
				PID:         rdm.PIDDMXStartAddress,
				PDLSize:     2,
				DataType:    rdm.DataTypeUnsignedWord,
				CCMask:      rdm.CCFlagGet | rdm.CCFlagSet,
				Min:         1,
				Max:         512,
				Default:     1,
				Format:      fmtWord,
				NonVolatile: true,
			},
			Handler: handleStartAddress,
		},
		{
			Desc: Descriptor{
				PID:         rdm.PIDDeviceLabel,
				PDLSize:     32,
				DataType:    rdm.DataTypeASCII,
				CCMask:      rdm.CCFlagGet | rdm.CCFlagSet,
				Format:      fmtASCII,
				NonVolatile: true,
			},
			Handler: handleDeviceLabel,
		},
		{
			Desc: Descriptor{
				PID:      rdm.PIDSupportedParameters,
				DataType: rdm.DataTypeUnsignedWord,
				CCMask:   rdm.CCFlagGet,
				Format:   fmtPIDList,
			},
			Handler: handleSupportedParameters,
		},
		{
			Desc: Descriptor{
				PID:      rdm.PIDParameterDescription,
				DataType: rdm.DataTypeASCII,
				CCMask:   rdm.CCFlagGet,
				Format:   fmtParamDesc,
			},
			Handler: handleParameterDescription,
		},
	}
	for _, s := range regs {
		if err := r.register(s); err != nil {
			return err
		}
	}
	return nil
}

// register allocates parameter storage where the descriptor asks for it and
// restores persisted state.
func (r *Responder) register(s Slot) error {
	if s.Data == nil && s.Desc.NonVolatile {
		size := s.Desc.PDLSize
		if s.Desc.DataType == rdm.DataTypeASCII {
			size++ // in-memory terminator
		}
		data, err := r.table.AllocPD(size)
		if err != nil {
			return err
		}
		s.Data = data
	}
	if err := r.table.Register(s); err != nil {
		return err
	}
	if s.Desc.NonVolatile {
		r.restore(s.Desc.PID)
	}
	return nil
}

// Register installs an application parameter.
func (r *Responder) Register(s Slot) error { return r.register(s) }

// ------------------------
// Persistence glue
// ------------------------

func (r *Responder) persist(pid uint16, data []byte) bool {
	if r.opts.Store == nil {
		return true
	}
	if !r.opts.Store.Store(r.port.Index(), pid, data) {
		// The set itself stands; the flag is what the bus gets to see.
		r.port.SetBootLoaderRequired(true)
		return false
	}
	return true
}

func (r *Responder) restore(pid uint16) {
	if r.opts.Store == nil {
		return
	}
	s := r.table.Find(pid)
	if s == nil || s.Data == nil {
		return
	}
	var rec [rdm.MaxPDL]byte
	n, ok := r.opts.Store.Load(r.port.Index(), pid, rec[:])
	if !ok || n == 0 {
		return
	}
	r.table.Set(pid, rec[:n], nil)
	if pid == rdm.PIDDMXStartAddress && n >= 2 {
		r.mu.Lock()
		r.info.StartAddress = binary.LittleEndian.Uint16(rec[:2])
		r.mu.Unlock()
	}
}

// ------------------------
// Built-in handlers
// ------------------------

func handleDeviceInfo(r *Responder, s *Slot, h *rdm.Header, pd, out []byte) (int, rdm.NackReason, bool) {
	n, err := rdm.Emplace(out, s.Desc.Format, r.packDeviceInfo(), false)
	if err != nil {
		return 0, rdm.NRHardwareFault, false
	}
	return n, 0, true
}

func (r *Responder) packDeviceInfo() []byte {
	info := r.Info()
	b := make([]byte, 17)
	binary.LittleEndian.PutUint16(b[0:], info.ModelID)
	binary.LittleEndian.PutUint16(b[2:], info.ProductCategory)
	binary.LittleEndian.PutUint32(b[4:], info.SoftwareVersionID)
	binary.LittleEndian.PutUint16(b[8:], info.Footprint)
	b[10] = info.PersonalityCurrent
	b[11] = info.PersonalityCount
	binary.LittleEndian.PutUint16(b[12:], info.StartAddress)
	binary.LittleEndian.PutUint16(b[14:], info.SubDeviceCount)
	b[16] = info.SensorCount
	return b
}

func handleSoftwareVersionLabel(r *Responder, s *Slot, h *rdm.Header, pd, out []byte) (int, rdm.NackReason, bool) {
	label := r.opts.SoftwareLabel
	if label == "" {
		label = "esp-dmx"
	}
	n, err := rdm.Emplace(out, s.Desc.Format, []byte(label), false)
	if err != nil {
		return 0, rdm.NRHardwareFault, false
	}
	return n, 0, true
}

func handleIdentifyDevice(r *Responder, s *Slot, h *rdm.Header, pd, out []byte) (int, rdm.NackReason, bool) {
	if h.CC == rdm.CCGetCommand {
		src := []byte{0}
		if r.Identify() {
			src[0] = 1
		}
		n, _ := rdm.Emplace(out, s.Desc.Format, src, false)
		return n, 0, true
	}
	if len(pd) < 1 {
		return 0, rdm.NRFormatError, false
	}
	if pd[0] > 1 {
		return 0, rdm.NRDataOutOfRange, false
	}
	on := pd[0] == 1
	r.mu.Lock()
	changed := r.identify != on
	r.identify = on
	r.mu.Unlock()
	if changed && r.opts.OnIdentify != nil {
		r.opts.OnIdentify(on)
	}
	return 0, 0, true
}

func handleStartAddress(r *Responder, s *Slot, h *rdm.Header, pd, out []byte) (int, rdm.NackReason, bool) {
	if h.CC == rdm.CCGetCommand {
		n, _ := rdm.Emplace(out, s.Desc.Format, s.Data, false)
		return n, 0, true
	}
	if len(pd) < 2 {
		return 0, rdm.NRFormatError, false
	}
	addr := uint16(pd[0])<<8 | uint16(pd[1])
	if addr < 1 || addr > 512 {
		return 0, rdm.NRDataOutOfRange, false
	}
	var local [2]byte
	if _, err := rdm.Emplace(local[:], s.Desc.Format, pd, true); err != nil {
		return 0, rdm.NRFormatError, false
	}
	r.table.Set(s.Desc.PID, local[:], r.persist)
	r.mu.Lock()
	r.info.StartAddress = addr
	r.mu.Unlock()
	return 0, 0, true
}

func handleDeviceLabel(r *Responder, s *Slot, h *rdm.Header, pd, out []byte) (int, rdm.NackReason, bool) {
	if h.CC == rdm.CCGetCommand {
		n, err := rdm.Emplace(out, s.Desc.Format, s.Data, false)
		if err != nil {
			return 0, rdm.NRHardwareFault, false
		}
		return n, 0, true
	}
	if len(pd) > s.Desc.PDLSize {
		return 0, rdm.NRFormatError, false
	}
	local := make([]byte, len(s.Data))
	if _, err := rdm.Emplace(local, s.Desc.Format, pd, true); err != nil {
		return 0, rdm.NRFormatError, false
	}
	r.table.Set(s.Desc.PID, local, r.persist)
	return 0, 0, true
}

// mandatory parameters never appear in SUPPORTED_PARAMETERS.
var unlisted = map[uint16]bool{
	rdm.PIDDeviceInfo:           true,
	rdm.PIDSupportedParameters:  true,
	rdm.PIDSoftwareVersionLabel: true,
	rdm.PIDDMXStartAddress:      true,
	rdm.PIDIdentifyDevice:       true,
}

func handleSupportedParameters(r *Responder, s *Slot, h *rdm.Header, pd, out []byte) (int, rdm.NackReason, bool) {
	var src []byte
	for _, pid := range r.table.PIDs() {
		if unlisted[pid] {
			continue
		}
		var le [2]byte
		binary.LittleEndian.PutUint16(le[:], pid)
		src = append(src, le[:]...)
	}
	n, err := rdm.Emplace(out, s.Desc.Format, src, false)
	if err != nil {
		return 0, rdm.NRHardwareFault, false
	}
	return n, 0, true
}

func handleParameterDescription(r *Responder, s *Slot, h *rdm.Header, pd, out []byte) (int, rdm.NackReason, bool) {
	if h.CC != rdm.CCGetCommand || len(pd) < 2 {
		return 0, rdm.NRFormatError, false
	}
	pid := uint16(pd[0])<<8 | uint16(pd[1])
	slot := r.table.Find(pid)
	if slot == nil {
		return 0, rdm.NRDataOutOfRange, false
	}
	d := slot.Desc
	src := make([]byte, 0, 20+len(d.Description))
	var tmp [4]byte
	binary.LittleEndian.PutUint16(tmp[:2], d.PID)
	src = append(src, tmp[:2]...)
	src = append(src, byte(d.PDLSize), d.DataType, d.CCMask, 0, d.Unit, d.Prefix)
	for _, v := range []uint32{d.Min, d.Max, d.Default} {
		binary.LittleEndian.PutUint32(tmp[:], v)
		src = append(src, tmp[:]...)
	}
	src = append(src, d.Description...)
	n, err := rdm.Emplace(out, s.Desc.Format, src, false)
	if err != nil {
		return 0, rdm.NRHardwareFault, false
	}
	return n, 0, true
}
