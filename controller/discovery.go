package controller

import (
	"context"

	"github.com/airgiants/esp-dmx/errcode"
	"github.com/airgiants/esp-dmx/rdm"
)

// DiscStackDepth bounds the branch stack: the worst-case depth of a binary
// descent over the 48-bit UID space, plus the re-query slot.
const DiscStackDepth = 49

// discRetries is how often a silent branch broadcast or mute is repeated
// before the silence is believed.
const discRetries = 3

// MuteParams is the payload of a DISC_MUTE/DISC_UN_MUTE response.
type MuteParams struct {
	ControlField uint16
	// BindingUID is the root UID a multi-port responder reports; zero when
	// absent.
	BindingUID rdm.UID
}

// DeviceFunc is invoked once per discovered (and muted) device.
type DeviceFunc func(uid rdm.UID, index int, mute *MuteParams)

type branch struct {
	lo, hi uint64
}

// Discover walks the UID space: un-mutes every responder, then descends
// branches of [0, 7fff:ffffffff], muting and reporting each device that
// answers alone. Collisions (responses that fail their checksum) split the
// branch. Returns the device count.
func (c *Controller) Discover(ctx context.Context, fn DeviceFunc) (int, error) {
	var arr [DiscStackDepth]branch
	var stack []branch
	if c.StackAllocateDiscovery {
		stack = arr[:0]
	} else {
		stack = make([]branch, 0, DiscStackDepth)
	}

	// Step 1: a clean slate. The broadcast draws no response; failure here
	// means the port is busy, which discovery must not paper over.
	var ack ACK
	h := rdm.Header{
		DestUID:   rdm.BroadcastAll,
		CC:        rdm.CCDiscCommand,
		PID:       rdm.PIDDiscUnMute,
		SubDevice: rdm.SubDeviceRoot,
	}
	c.SendRequest(ctx, &h, nil, nil, &ack)
	if ack.Err == errcode.Busy {
		return 0, ack.Err
	}

	stack = append(stack, branch{0, rdm.BroadcastAll.Uint64() >> 1}) // 7fff:ffffffff
	found := 0

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return found, errcode.Timeout
		}
		if len(stack) > DiscStackDepth {
			return found, errcode.CapacityExceeded
		}
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if b.lo == b.hi {
			uid := rdm.UIDFromUint64(b.lo)
			mp, ok := c.muteRetry(ctx, uid)
			if !ok {
				// Workaround for responders that answer discovery with a
				// byte-swapped UID: one try against the flipped form.
				flipped := uid.Flipped()
				if mp, ok = c.mute(ctx, flipped); ok {
					uid = flipped
				}
			}
			if ok {
				rec := uid
				if !mp.BindingUID.IsNull() {
					rec = mp.BindingUID
				}
				fn(rec, found, &mp)
				found++
			}
			continue
		}

		single, collision := c.branchProbe(ctx, b)
		switch {
		case collision || (c.AlwaysBisect && single != nil):
			mid := b.lo + (b.hi-b.lo)/2
			stack = append(stack, branch{mid + 1, b.hi}, branch{b.lo, mid})
		case single != nil:
			// One device answered alone: mute it, record it, then ask the
			// same branch again until it goes quiet.
			uid := *single
			mp, ok := c.muteRetry(ctx, uid)
			if !ok {
				mid := b.lo + (b.hi-b.lo)/2
				stack = append(stack, branch{mid + 1, b.hi}, branch{b.lo, mid})
				continue
			}
			rec := uid
			if !mp.BindingUID.IsNull() {
				rec = mp.BindingUID
			}
			fn(rec, found, &mp)
			found++
			stack = append(stack, b)
		default:
			// silence: nothing lives here
		}
	}
	return found, nil
}

// DiscoverUIDs is the simple variant: discovered UIDs land in out until it
// is full; discovery itself runs to completion either way. Returns the
// total device count.
func (c *Controller) DiscoverUIDs(ctx context.Context, out []rdm.UID) (int, error) {
	return c.Discover(ctx, func(uid rdm.UID, index int, _ *MuteParams) {
		if index < len(out) {
			out[index] = uid
		}
	})
}

// branchProbe broadcasts DISC_UNIQUE_BRANCH over b, retrying silence.
// Returns the lone responder's UID, or collision=true when bytes arrived
// that no single well-formed response explains.
func (c *Controller) branchProbe(ctx context.Context, b branch) (single *rdm.UID, collision bool) {
	var pd [12]byte
	rdm.UIDFromUint64(b.lo).Put(pd[0:])
	rdm.UIDFromUint64(b.hi).Put(pd[6:])

	for attempt := 0; attempt < discRetries; attempt++ {
		h := rdm.Header{
			DestUID:   rdm.BroadcastAll,
			CC:        rdm.CCDiscCommand,
			PID:       rdm.PIDDiscUniqueBranch,
			SubDevice: rdm.SubDeviceRoot,
		}
		var ack ACK
		if c.SendRequest(ctx, &h, pd[:], nil, &ack) {
			uid := ack.SrcUID
			return &uid, false
		}
		switch errcode.Of(ack.Err) {
		case errcode.Timeout:
			continue // silence; ask again
		case errcode.Busy:
			return nil, false
		default:
			// data arrived but did not decode: overlapping responses
			return nil, true
		}
	}
	return nil, false
}

func (c *Controller) muteRetry(ctx context.Context, uid rdm.UID) (MuteParams, bool) {
	for attempt := 0; attempt < discRetries; attempt++ {
		if mp, ok := c.mute(ctx, uid); ok {
			return mp, true
		}
	}
	return MuteParams{}, false
}

func (c *Controller) mute(ctx context.Context, uid rdm.UID) (MuteParams, bool) {
	h := rdm.Header{
		DestUID:   uid,
		CC:        rdm.CCDiscCommand,
		PID:       rdm.PIDDiscMute,
		SubDevice: rdm.SubDeviceRoot,
	}
	var pdOut [8]byte
	var ack ACK
	if !c.SendRequest(ctx, &h, nil, pdOut[:], &ack) {
		return MuteParams{}, false
	}
	n := ack.PDL
	if n > len(pdOut) {
		n = len(pdOut)
	}
	return decodeMuteParams(pdOut[:n]), true
}

// decodeMuteParams unpacks a mute response: the control field, then the
// optional binding UID.
func decodeMuteParams(pd []byte) MuteParams {
	var mp MuteParams
	var local [8]byte
	n, err := rdm.Emplace(local[:], "wv$", pd, true)
	if err != nil || n < 2 {
		return mp
	}
	mp.ControlField = uint16(local[1])<<8 | uint16(local[0])
	if n >= 8 {
		var wire [6]byte
		for i := 0; i < 6; i++ {
			wire[i] = local[7-i]
		}
		mp.BindingUID = rdm.UIDAt(wire[:])
	}
	return mp
}
