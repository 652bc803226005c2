// Package responder implements the RDM responder side: the per-port
// parameter table with its bump-allocated backing storage, the inbound
// request dispatcher, and the standard parameter set.
package responder

import (
	"sync"

	"github.com/airgiants/esp-dmx/errcode"
	"github.com/airgiants/esp-dmx/rdm"
)

// Descriptor describes one parameter: wire format, permissions, and the
// PARAMETER_DESCRIPTION fields.
type Descriptor struct {
	PID uint16
	// PDLSize is the in-memory record size; pdl_size_max on the wire.
	PDLSize  int
	DataType uint8
	// CCMask is the allowed subset of {GET, SET}.
	CCMask      uint8
	Unit        uint8
	Prefix      uint8
	Min         uint32
	Max         uint32
	Default     uint32
	Description string
	// Format drives the parameter marshaller.
	Format string
	// NonVolatile parameters persist through the store on every SET.
	NonVolatile bool
}

// Handler produces the response for one request: parameter data written to
// out and its length, or ok=false with a NACK reason.
type Handler func(r *Responder, s *Slot, h *rdm.Header, pd, out []byte) (pdl int, nack rdm.NackReason, ok bool)

// Slot is one parameter table entry.
type Slot struct {
	Desc Descriptor
	// Data is the in-memory parameter storage, carved from the table's
	// backing region.
	Data []byte
	// Handler is the required driver handler.
	Handler Handler
	// Callback, when set, observes every handled request for this PID.
	Callback func(h *rdm.Header)
}

// Table is a fixed-capacity parameter table. Registration is insert-only: a
// PID can have its descriptor and handlers overwritten but never removed.
// Lookup is linear, which is fine at the capacities the bus can support.
type Table struct {
	mu    sync.Mutex
	slots []Slot
	cap   int

	region []byte
	used   int
}

// NewTable sizes the table for maxPIDs entries backed by regionSize bytes of
// parameter storage.
func NewTable(maxPIDs, regionSize int) *Table {
	if maxPIDs <= 0 {
		maxPIDs = 16
	}
	if regionSize <= 0 {
		regionSize = maxPIDs * 32
	}
	return &Table{
		slots:  make([]Slot, 0, maxPIDs),
		cap:    maxPIDs,
		region: make([]byte, regionSize),
	}
}

// Register adds a slot, or overwrites the descriptor and handlers of an
// existing registration in place.
func (t *Table) Register(s Slot) error {
	if s.Desc.PID == 0 || s.Handler == nil {
		return errcode.InvalidParams
	}
	if err := rdm.ValidateFormat(s.Desc.Format); s.Desc.Format != "" && err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].Desc.PID == s.Desc.PID {
			if s.Data == nil {
				s.Data = t.slots[i].Data
			}
			t.slots[i] = s
			return nil
		}
	}
	if len(t.slots) >= t.cap {
		return errcode.CapacityExceeded
	}
	t.slots = append(t.slots, s)
	return nil
}

// Find returns the slot registered for pid, or nil.
func (t *Table) Find(pid uint16) *Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].Desc.PID == pid {
			return &t.slots[i]
		}
	}
	return nil
}

// AllocPD carves size bytes from the backing region.
func (t *Table) AllocPD(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errcode.InvalidParams
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.used+size > len(t.region) {
		return nil, errcode.CapacityExceeded
	}
	p := t.region[t.used : t.used+size : t.used+size]
	t.used += size
	return p, nil
}

// Get copies the in-memory representation of pid into out.
func (t *Table) Get(pid uint16, out []byte) (int, bool) {
	s := t.Find(pid)
	if s == nil || s.Data == nil {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return copy(out, s.Data), true
}

// Set overwrites the in-memory representation of pid. persist, when
// non-nil, is invoked after the copy; its failure does not undo the set.
func (t *Table) Set(pid uint16, in []byte, persist func(pid uint16, data []byte) bool) bool {
	s := t.Find(pid)
	if s == nil || s.Data == nil || len(in) > len(s.Data) {
		return false
	}
	t.mu.Lock()
	copy(s.Data, in)
	for i := len(in); i < len(s.Data); i++ {
		s.Data[i] = 0
	}
	snap := append([]byte(nil), s.Data...)
	t.mu.Unlock()
	if persist != nil {
		persist(pid, snap)
	}
	return true
}

// PIDs lists the registered parameter ids in registration order.
func (t *Table) PIDs() []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint16, len(t.slots))
	for i := range t.slots {
		out[i] = t.slots[i].Desc.PID
	}
	return out
}
