package controller

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/airgiants/esp-dmx/rdm"
)

func discoverAll(t *testing.T, c *Controller) []rdm.UID {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var uids []rdm.UID
	n, err := c.Discover(ctx, func(uid rdm.UID, index int, mute *MuteParams) {
		uids = append(uids, uid)
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if n != len(uids) {
		t.Fatalf("count %d, callbacks %d", n, len(uids))
	}
	return uids
}

func sortUIDs(uids []rdm.UID) {
	sort.Slice(uids, func(i, j int) bool { return uids[i].Less(uids[j]) })
}

func TestDiscoveryBisection(t *testing.T) {
	devA := &simDevice{uid: rdm.UID{Man: 0x0001, Dev: 0x00000001}}
	devB := &simDevice{uid: rdm.UID{Man: 0x0001, Dev: 0x00000002}}
	c := testController(t, newFakeWire(devA, devB))

	uids := discoverAll(t, c)
	if len(uids) != 2 {
		t.Fatalf("found %v", uids)
	}
	sortUIDs(uids)
	if uids[0] != devA.uid || uids[1] != devB.uid {
		t.Fatalf("found %v", uids)
	}
	if !devA.muted || !devB.muted {
		t.Fatal("devices left un-muted")
	}
}

func TestDiscoveryEmptyBus(t *testing.T) {
	c := testController(t, newFakeWire())
	if uids := discoverAll(t, c); len(uids) != 0 {
		t.Fatalf("found %v on an empty bus", uids)
	}
}

func TestDiscoveryFlippedUIDWorkaround(t *testing.T) {
	dev := &simDevice{uid: rdm.UID{Man: 0x0102, Dev: 0x03040506}, flipped: true}
	c := testController(t, newFakeWire(dev))

	uids := discoverAll(t, c)
	if len(uids) != 1 {
		t.Fatalf("found %v", uids)
	}
	if uids[0] != dev.uid {
		t.Fatalf("recorded %v, want the real uid %v", uids[0], dev.uid)
	}
	if !dev.muted {
		t.Fatal("device left un-muted")
	}
}

func TestDiscoveryPrefersBindingUID(t *testing.T) {
	binding := rdm.UID{Man: 0x0001, Dev: 0x00000100}
	dev := &simDevice{uid: rdm.UID{Man: 0x0001, Dev: 0x00000101}, binding: binding}
	c := testController(t, newFakeWire(dev))

	uids := discoverAll(t, c)
	if len(uids) != 1 || uids[0] != binding {
		t.Fatalf("recorded %v, want binding %v", uids, binding)
	}
}

func TestDiscoverUIDsStopsRecordingAtCapacity(t *testing.T) {
	wire := newFakeWire(
		&simDevice{uid: rdm.UID{Man: 0x0001, Dev: 0x00000001}},
		&simDevice{uid: rdm.UID{Man: 0x0001, Dev: 0x00000002}},
		&simDevice{uid: rdm.UID{Man: 0x0001, Dev: 0x00000003}},
	)
	c := testController(t, wire)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out := make([]rdm.UID, 2)
	n, err := c.DiscoverUIDs(ctx, out)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if n != 3 {
		t.Fatalf("count %d, want all devices counted", n)
	}
	for i, u := range out {
		if u.IsNull() {
			t.Fatalf("slot %d never recorded", i)
		}
	}
}

func TestDiscoveryAlwaysBisect(t *testing.T) {
	dev := &simDevice{uid: rdm.UID{Man: 0x0001, Dev: 0x00000007}}
	c := testController(t, newFakeWire(dev))
	c.AlwaysBisect = true

	uids := discoverAll(t, c)
	if len(uids) != 1 || uids[0] != dev.uid {
		t.Fatalf("found %v", uids)
	}
}

func TestDiscoveryStackStaysBounded(t *testing.T) {
	// a re-queried branch plus two pushed halves is the worst growth step;
	// the engine enforces the depth bound as it runs
	c := testController(t, newFakeWire(
		&simDevice{uid: rdm.UID{Man: 0x0001, Dev: 0x00000001}},
		&simDevice{uid: rdm.UID{Man: 0x7FFF, Dev: 0xFFFFFFFE}},
	))
	c.StackAllocateDiscovery = true

	uids := discoverAll(t, c)
	if len(uids) != 2 {
		t.Fatalf("found %v", uids)
	}
}
