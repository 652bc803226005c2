// Package config carries the build/boot options of the driver. Defaults
// match the shipped firmware; deployments may override them with a small
// embedded JSON document.
package config

import (
	"github.com/airgiants/esp-dmx/errcode"

	"github.com/andreyvit/tinyjson"
)

const (
	// DefaultManufacturerID is the ESTA manufacturer id used until the
	// application supplies its own. Valid ids are 0x0001..0x7FFF.
	DefaultManufacturerID uint16 = 0x05E0

	// DeviceIDDefault means "derive the device id from the hardware MAC".
	DeviceIDDefault uint32 = 0xFFFFFFFF

	DefaultPersistNamespace = "nvs"
	DefaultMaxPersonalities = 16
	DefaultResponderMaxPIDs = 16
)

type Config struct {
	ManufacturerID   uint16
	DeviceID         uint32
	PersistNamespace string
	MaxPersonalities int
	ResponderMaxPIDs int
	// StackAllocateDiscovery places the discovery branch stack in a
	// fixed-size array instead of a heap slice.
	StackAllocateDiscovery bool
}

func Default() Config {
	return Config{
		ManufacturerID:   DefaultManufacturerID,
		DeviceID:         DeviceIDDefault,
		PersistNamespace: DefaultPersistNamespace,
		MaxPersonalities: DefaultMaxPersonalities,
		ResponderMaxPIDs: DefaultResponderMaxPIDs,
	}
}

func (c *Config) Validate() error {
	if c.ManufacturerID == 0 || c.ManufacturerID > 0x7FFF {
		return errcode.InvalidParams
	}
	if c.MaxPersonalities <= 0 || c.ResponderMaxPIDs <= 0 {
		return errcode.InvalidParams
	}
	if c.PersistNamespace == "" {
		return errcode.InvalidParams
	}
	return nil
}

// ApplyJSON overlays settings from an embedded JSON object. Unknown keys are
// ignored so one document can serve several firmware variants.
func (c *Config) ApplyJSON(raw []byte) error {
	r := tinyjson.Raw(raw)
	val := r.Value()
	r.EnsureEOF()

	m, ok := val.(map[string]any)
	if !ok {
		return errcode.InvalidParams
	}
	if v, ok := m["manufacturer_id"]; ok {
		c.ManufacturerID = uint16(asInt(v))
	}
	if v, ok := m["device_id"]; ok {
		c.DeviceID = uint32(asInt(v))
	}
	if v, ok := m["persist_namespace"]; ok {
		if s, ok := v.(string); ok {
			c.PersistNamespace = s
		}
	}
	if v, ok := m["max_personalities"]; ok {
		c.MaxPersonalities = int(asInt(v))
	}
	if v, ok := m["responder_max_pids"]; ok {
		c.ResponderMaxPIDs = int(asInt(v))
	}
	if v, ok := m["stack_allocate_discovery"]; ok {
		if b, ok := v.(bool); ok {
			c.StackAllocateDiscovery = b
		}
	}
	return c.Validate()
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	case float32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
