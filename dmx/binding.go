package dmx

import (
	"crypto/rand"
	"sync"

	"github.com/airgiants/esp-dmx/rdm"
)

// The binding UID is process-wide: the root identity of a multi-port device.
// Ports derive their own UID from it by XORing the last octet with the port
// index, so a port UID is never null and never broadcast.
var binding struct {
	mu  sync.Mutex
	set bool
	uid rdm.UID
}

// MACSource supplies the six hardware address bytes the device id derives
// from. The default draws random bytes, which suits hosts without a stable
// MAC; firmware replaces it before the first port opens.
var MACSource = func() [6]byte {
	var mac [6]byte
	_, _ = rand.Read(mac[:])
	return mac
}

// SetBindingUID pins the binding UID explicitly. It fails once any port has
// derived its UID, and rejects null and broadcast values.
func SetBindingUID(u rdm.UID) bool {
	binding.mu.Lock()
	defer binding.mu.Unlock()
	if binding.set || u.IsNull() || u.IsBroadcast() {
		return false
	}
	binding.uid = u
	binding.set = true
	return true
}

// BindingUID returns the process binding UID, deriving it from MACSource on
// first use. man supplies the manufacturer id; deviceID other than the
// derive-from-MAC sentinel pins the device id directly.
func BindingUID(man uint16, deviceID uint32) rdm.UID {
	binding.mu.Lock()
	defer binding.mu.Unlock()
	if !binding.set {
		dev := deviceID
		if dev == 0xFFFFFFFF {
			mac := MACSource()
			dev = uint32(mac[2])<<24 | uint32(mac[3])<<16 | uint32(mac[4])<<8 | uint32(mac[5])
			if dev == 0xFFFFFFFF {
				dev--
			}
		}
		binding.uid = rdm.UID{Man: man, Dev: dev}
		binding.set = true
	}
	return binding.uid
}

// resetBinding exists for tests.
func resetBinding() {
	binding.mu.Lock()
	binding.set = false
	binding.uid = rdm.UID{}
	binding.mu.Unlock()
}
