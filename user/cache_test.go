package user

import "testing"

func TestInsertIsIdempotent(t *testing.T) {
	c := NewCache()
	a := c.Insert("@a:h")
	b := c.Insert("@a:h")
	if a != b {
		t.Fatalf("Insert should return the same User for the same id")
	}
	if len(c.Keys()) != 1 {
		t.Fatalf("expected exactly one cached user, got %d", len(c.Keys()))
	}
}

func TestCreateDeviceDefaultsToDeterministicID(t *testing.T) {
	c := NewCache()
	u := c.Insert("@a:h")
	d1 := u.CreateDevice("")
	if d1.ID == "" {
		t.Fatalf("expected a deterministic device id to be assigned")
	}

	u2 := c.Insert("@a:h")
	d2 := u2.CreateDevice("")
	if d1.ID != d2.ID {
		t.Fatalf("deterministic device id should be stable across calls for the same user: %s != %s", d1.ID, d2.ID)
	}
}

func TestCreateDeviceReplacesExistingSlot(t *testing.T) {
	c := NewCache()
	u := c.Insert("@a:h")
	first := u.CreateDevice("explicit-1")
	second := u.CreateDevice("explicit-2")

	got, ok := u.Device()
	if !ok {
		t.Fatalf("expected a device slot")
	}
	if got != second {
		t.Fatalf("expected the device slot to hold the most recently created device")
	}
	if first == second {
		t.Fatalf("expected CreateDevice to produce a new Device instance")
	}
}
