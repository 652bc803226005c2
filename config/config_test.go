package config

import "testing"

func TestDefaults(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if c.ManufacturerID != 0x05E0 || c.DeviceID != 0xFFFFFFFF {
		t.Fatalf("identity defaults: %+v", c)
	}
	if c.PersistNamespace != "nvs" || c.MaxPersonalities != 16 || c.ResponderMaxPIDs != 16 {
		t.Fatalf("capacity defaults: %+v", c)
	}
}

func TestValidateBounds(t *testing.T) {
	c := Default()
	c.ManufacturerID = 0
	if c.Validate() == nil {
		t.Fatal("manufacturer 0 accepted")
	}
	c.ManufacturerID = 0x8000
	if c.Validate() == nil {
		t.Fatal("manufacturer 0x8000 accepted")
	}
	c = Default()
	c.PersistNamespace = ""
	if c.Validate() == nil {
		t.Fatal("empty namespace accepted")
	}
}

func TestApplyJSON(t *testing.T) {
	c := Default()
	raw := []byte(`{
		"manufacturer_id": 1234,
		"device_id": 305419896,
		"persist_namespace": "dmxcfg",
		"responder_max_pids": 32,
		"stack_allocate_discovery": true,
		"unknown_key": "ignored"
	}`)
	if err := c.ApplyJSON(raw); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if c.ManufacturerID != 1234 || c.DeviceID != 0x12345678 {
		t.Fatalf("identity: %+v", c)
	}
	if c.PersistNamespace != "dmxcfg" || c.ResponderMaxPIDs != 32 || !c.StackAllocateDiscovery {
		t.Fatalf("overrides: %+v", c)
	}
	// untouched field keeps its default
	if c.MaxPersonalities != 16 {
		t.Fatalf("max personalities: %d", c.MaxPersonalities)
	}
}

func TestApplyJSONRejectsNonObject(t *testing.T) {
	c := Default()
	if err := c.ApplyJSON([]byte(`[1,2,3]`)); err == nil {
		t.Fatal("array accepted")
	}
}
