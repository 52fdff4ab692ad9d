package room

import (
	"context"
	"testing"

	"maunium.net/go/mautrix/id"
)

type fakeFetcher struct {
	encrypted map[id.RoomID]bool
	members   map[id.RoomID][]id.UserID
}

func (f *fakeFetcher) RoomEncrypted(_ context.Context, roomID id.RoomID) (bool, error) {
	return f.encrypted[roomID], nil
}

func (f *fakeFetcher) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	return f.members[roomID], nil
}

type recordingSink struct {
	calls map[id.UserID]map[id.UserID]struct{}
}

func (s *recordingSink) UpdateTrackedUsers(_ context.Context, owner id.UserID, members map[id.UserID]struct{}) error {
	if s.calls == nil {
		s.calls = map[id.UserID]map[id.UserID]struct{}{}
	}
	s.calls[owner] = members
	return nil
}

func TestAddThenRemoveMemberIsANoOp(t *testing.T) {
	roomA := id.RoomID("!r:h")
	userA := id.UserID("@a:h")
	fetch := &fakeFetcher{encrypted: map[id.RoomID]bool{roomA: false}, members: map[id.RoomID][]id.UserID{roomA: {}}}
	c := New(fetch, nil, nil)

	ctx := context.Background()
	if err := c.AddRoomMember(ctx, roomA, userA); err != nil {
		t.Fatalf("AddRoomMember: %v", err)
	}
	if err := c.RemoveRoomMember(ctx, roomA, userA); err != nil {
		t.Fatalf("RemoveRoomMember: %v", err)
	}

	info, ok := c.Get(roomA)
	if !ok {
		t.Fatalf("expected room to be known")
	}
	if _, present := info.Members[userA]; present {
		t.Fatalf("user should not be a member after remove")
	}
}

func TestRemoveOnUnknownRoomIsNoOp(t *testing.T) {
	c := New(&fakeFetcher{}, nil, nil)
	if err := c.RemoveRoomMember(context.Background(), "!unknown:h", "@a:h"); err != nil {
		t.Fatalf("RemoveRoomMember on unknown room should be a no-op, got %v", err)
	}
}

func TestUpgradeEncryptionIsMonotoneAndIdempotent(t *testing.T) {
	roomA := id.RoomID("!r:h")
	userA, userB := id.UserID("@a:h"), id.UserID("@b:h")
	fetch := &fakeFetcher{
		encrypted: map[id.RoomID]bool{roomA: false},
		members:   map[id.RoomID][]id.UserID{roomA: {userA, userB}},
	}
	sink := &recordingSink{}
	c := New(fetch, func(u id.UserID) bool { return true }, sink)

	ctx := context.Background()
	if _, err := c.ensure(ctx, roomA); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := c.UpgradeRoomEncryption(ctx, roomA); err != nil {
		t.Fatalf("UpgradeRoomEncryption: %v", err)
	}
	info, _ := c.Get(roomA)
	if !info.Encrypted() {
		t.Fatalf("room should be encrypted after upgrade")
	}

	// Second upgrade is a no-op and must not revert the tag.
	if err := c.UpgradeRoomEncryption(ctx, roomA); err != nil {
		t.Fatalf("second UpgradeRoomEncryption: %v", err)
	}
	info, _ = c.Get(roomA)
	if !info.Encrypted() {
		t.Fatalf("room must remain encrypted")
	}

	if members := sink.calls[userA]; len(members) != 2 {
		t.Fatalf("expected tracked-user closure of 2 for %s, got %v", userA, members)
	}
}

func TestGetEncryptedMembersClosure(t *testing.T) {
	roomA, roomB := id.RoomID("!a:h"), id.RoomID("!b:h")
	userA, userB, userC := id.UserID("@a:h"), id.UserID("@b:h"), id.UserID("@c:h")
	fetch := &fakeFetcher{
		encrypted: map[id.RoomID]bool{roomA: true, roomB: false},
		members: map[id.RoomID][]id.UserID{
			roomA: {userA, userB},
			roomB: {userA, userC},
		},
	}
	c := New(fetch, nil, nil)
	ctx := context.Background()
	if err := c.PopulateKnownRooms(ctx, []id.RoomID{roomA, roomB}); err != nil {
		t.Fatalf("PopulateKnownRooms: %v", err)
	}

	members := c.GetEncryptedMembers(userA)
	want := map[id.UserID]struct{}{userA: {}, userB: {}}
	if len(members) != len(want) {
		t.Fatalf("got %v, want %v", members, want)
	}
	for u := range want {
		if _, ok := members[u]; !ok {
			t.Fatalf("missing %s in closure %v", u, members)
		}
	}
}
