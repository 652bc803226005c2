// Package controller implements the RDM requester: serialised
// request/response transactions with ACK classification, and binary-tree
// discovery over the 48-bit UID space.
package controller

import (
	"context"
	"time"

	"github.com/airgiants/esp-dmx/dmx"
	"github.com/airgiants/esp-dmx/errcode"
	"github.com/airgiants/esp-dmx/rdm"
	"github.com/airgiants/esp-dmx/x/timex"
)

// AckType classifies a transaction outcome.
type AckType uint8

const (
	// AckNone: no response was expected (broadcast without discovery).
	AckNone AckType = iota
	AckOK
	// AckTimer: the responder deferred; retry after ACK.Timer.
	AckTimer
	AckNack
	// AckOverflow is surfaced but the continuation request is not issued
	// automatically.
	AckOverflow
	// AckInvalid: bus error, timeout, or a response that failed validation.
	AckInvalid
)

func (t AckType) String() string {
	switch t {
	case AckNone:
		return "none"
	case AckOK:
		return "ack"
	case AckTimer:
		return "ack_timer"
	case AckNack:
		return "nack"
	case AckOverflow:
		return "ack_overflow"
	case AckInvalid:
		return "invalid"
	default:
		return "?"
	}
}

// ACK reports how a request concluded.
type ACK struct {
	Type AckType
	Err  error
	// Timer is the responder's requested delay, converted from its
	// 10 ms ticks.
	Timer      time.Duration
	NackReason rdm.NackReason
	// PDL is the parameter data length of the response.
	PDL int
	// SrcUID is the responder that answered. For discovery responses it
	// is the decoded UID.
	SrcUID       rdm.UID
	MessageCount uint8
}

// Controller drives transactions on one port.
type Controller struct {
	port *dmx.Port

	// AlwaysBisect disables the single-device fast path during discovery,
	// the debug-build behaviour.
	AlwaysBisect bool
	// StackAllocateDiscovery backs the branch stack with a fixed array on
	// the call stack instead of a heap slice.
	StackAllocateDiscovery bool
}

func New(port *dmx.Port) *Controller {
	return &Controller{port: port}
}

func (c *Controller) Port() *dmx.Port { return c.port }

// SendRequest runs one RDM transaction: pre-validate, auto-fill, transmit,
// and when a response is due, receive, validate and classify it. The header
// is updated in place with the auto-filled fields. Returns true only for a
// plain ACK.
//
// The port send-mutex is taken without waiting; a busy port fails the call
// immediately with no I/O.
func (c *Controller) SendRequest(ctx context.Context, h *rdm.Header, pdIn, pdOut []byte, ack *ACK) bool {
	if ack == nil {
		ack = &ACK{}
	}
	*ack = ACK{}
	if err := validateRequest(h, len(pdIn)); err != nil {
		ack.Type = AckInvalid
		ack.Err = err
		return false
	}

	if !c.port.TryLockSend() {
		ack.Type = AckInvalid
		ack.Err = errcode.Busy
		return false
	}
	defer c.port.UnlockSend()

	if h.SrcUID.IsNull() {
		h.SrcUID = c.port.UID()
	}
	if h.PortID == 0 {
		h.PortID = uint8(c.port.Index() + 1)
	}
	h.MessageCount = 0
	h.TN = c.port.NextTN()
	h.PDL = uint8(len(pdIn))

	var buf [rdm.MaxPacket]byte
	n, err := rdm.Encode(buf[:], h, pdIn)
	if err != nil {
		ack.Type = AckInvalid
		ack.Err = err
		return false
	}

	expect := !h.DestUID.IsBroadcast() || h.PID == rdm.PIDDiscUniqueBranch
	resp, err := c.port.SendFrame(ctx, buf[:n], expect)
	if err != nil {
		ack.Type = AckInvalid
		ack.Err = err
		return false
	}
	if !expect {
		ack.Type = AckNone
		return false
	}
	return c.classify(h, resp, pdOut, ack)
}

func validateRequest(h *rdm.Header, pdl int) error {
	switch {
	case h.DestUID.IsNull(),
		h.SrcUID.IsBroadcast(),
		!h.CC.IsRequest(),
		pdl > rdm.MaxPDL:
		return errcode.InvalidParams
	}
	if h.SubDevice > rdm.MaxSubDevice && h.SubDevice != rdm.SubDeviceAll {
		return errcode.InvalidParams
	}
	if h.SubDevice == rdm.SubDeviceAll && h.CC == rdm.CCGetCommand {
		return errcode.InvalidParams
	}
	return nil
}

func (c *Controller) classify(req *rdm.Header, resp []byte, pdOut []byte, ack *ACK) bool {
	if len(resp) == 0 {
		ack.Type = AckInvalid
		ack.Err = errcode.Timeout
		return false
	}
	pkt, err := rdm.Decode(resp)
	if err != nil {
		ack.Type = AckInvalid
		ack.Err = err
		return false
	}

	if pkt.DiscResponse {
		if req.PID != rdm.PIDDiscUniqueBranch {
			ack.Type = AckInvalid
			ack.Err = errcode.UnexpectedResponse
			return false
		}
		ack.Type = AckOK
		ack.SrcUID = pkt.DiscUID
		return true
	}

	rt := pkt.ResponseType()
	if !rt.Valid() {
		ack.Type = AckInvalid
		ack.Err = errcode.UnexpectedResponse
		return false
	}
	if req.PID != rdm.PIDDiscUniqueBranch {
		if pkt.CC != req.CC.Response() ||
			pkt.PID != req.PID ||
			pkt.TN != req.TN ||
			pkt.DestUID != req.SrcUID ||
			!pkt.SrcUID.Matches(req.DestUID) {
			ack.Type = AckInvalid
			ack.Err = errcode.UnexpectedResponse
			return false
		}
	}

	ack.SrcUID = pkt.SrcUID
	ack.MessageCount = pkt.MessageCount
	switch rt {
	case rdm.RTAck:
		ack.Type = AckOK
		ack.PDL = len(pkt.PD)
		copy(pdOut, pkt.PD)
		return true
	case rdm.RTAckTimer:
		ack.Type = AckTimer
		if len(pkt.PD) >= 2 {
			ticks := uint16(pkt.PD[0])<<8 | uint16(pkt.PD[1])
			ack.Timer = timex.FromTicks10ms(ticks)
		}
		return false
	case rdm.RTNackReason:
		ack.Type = AckNack
		if len(pkt.PD) >= 2 {
			ack.NackReason = rdm.NackReason(uint16(pkt.PD[0])<<8 | uint16(pkt.PD[1]))
		}
		ack.Err = errcode.Nack
		return false
	default: // rdm.RTAckOverflow
		ack.Type = AckOverflow
		ack.PDL = len(pkt.PD)
		copy(pdOut, pkt.PD)
		return false
	}
}
