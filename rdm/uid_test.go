package rdm

import "testing"

func TestUIDOrdering(t *testing.T) {
	a := UID{Man: 0x0001, Dev: 0xFFFFFFFF}
	b := UID{Man: 0x0002, Dev: 0x00000000}
	if !a.Less(b) {
		t.Fatalf("manufacturer id must dominate ordering: %v !< %v", a, b)
	}
	if Compare(a, a) != 0 || Compare(a, b) != -1 || Compare(b, a) != 1 {
		t.Fatal("Compare disagrees with Less")
	}
}

func TestUIDRoundTrip(t *testing.T) {
	u := UID{Man: 0x05E0, Dev: 0x12345678}
	var b [6]byte
	u.Put(b[:])
	want := [6]byte{0x05, 0xE0, 0x12, 0x34, 0x56, 0x78}
	if b != want {
		t.Fatalf("wire bytes %x, want %x", b, want)
	}
	if got := UIDAt(b[:]); got != u {
		t.Fatalf("UIDAt round trip: %v != %v", got, u)
	}
	if got := UIDFromUint64(u.Uint64()); got != u {
		t.Fatalf("Uint64 round trip: %v != %v", got, u)
	}
}

func TestUIDBroadcastMatching(t *testing.T) {
	me := UID{Man: 0x05E0, Dev: 0x00000001}

	if !me.Matches(me) {
		t.Error("exact match failed")
	}
	if !me.Matches(BroadcastAll) {
		t.Error("all-call broadcast must match")
	}
	if !me.Matches(ManBroadcast(0x05E0)) {
		t.Error("own manufacturer broadcast must match")
	}
	if me.Matches(ManBroadcast(0x1234)) {
		t.Error("foreign manufacturer broadcast must not match")
	}
	if me.Matches(UID{Man: 0x05E0, Dev: 2}) {
		t.Error("different device must not match")
	}

	if NullUID.IsBroadcast() || !NullUID.IsNull() {
		t.Error("null UID misclassified")
	}
	if !BroadcastAll.IsBroadcast() {
		t.Error("all-call misclassified")
	}
	if !ManBroadcast(1).IsBroadcast() {
		t.Error("manufacturer broadcast misclassified")
	}
}

func TestUIDFlipped(t *testing.T) {
	u := UID{Man: 0x0102, Dev: 0x03040506}
	f := u.Flipped()
	if f != (UID{Man: 0x0605, Dev: 0x04030201}) {
		t.Fatalf("flipped = %v", f)
	}
	if f.Flipped() != u {
		t.Fatal("flip is not an involution")
	}
}

func TestUIDXORDev(t *testing.T) {
	base := UID{Man: 0x05E0, Dev: 0x12345678}
	for port := uint8(0); port < 4; port++ {
		got := base.XORDev(port)
		if got.Man != base.Man || got.Dev != base.Dev^uint32(port) {
			t.Fatalf("port %d uid = %v", port, got)
		}
		if got.XORDev(port) != base {
			t.Fatal("XORDev must undo itself")
		}
	}
}
