// Package room implements the in-memory room cache (spec §4.3, C3): a
// mapping of room id to encryption tag and joined-member set, used to
// decide Olm/Megolm tracking and key sharing.
package room

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	merrors "github.com/spacebased/masquerade-go/errors"
)

// Tag is the monotone encryption state of a room: Unencrypted can become
// Encrypted, never the reverse (spec §3 Room).
type Tag int

const (
	Unencrypted Tag = iota
	Encrypted
)

// Fetcher is the authoritative-state collaborator a Cache uses the first
// time it observes a room: it must answer whether the room is encrypted
// and who is currently joined. Satisfied by hsclient.Puppet in production.
type Fetcher interface {
	RoomEncrypted(ctx context.Context, roomID id.RoomID) (bool, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
}

// TrackedUsersSink receives the recomputed encrypted-member closure for an
// AS-owned user whenever a membership or encryption change could affect it
// (spec §4.3 "recompute tracked users"). Typically wired to the owning
// Device's crypto adapter via update_tracked_users (C1).
type TrackedUsersSink interface {
	UpdateTrackedUsers(ctx context.Context, owner id.UserID, members map[id.UserID]struct{}) error
}

// Info is an immutable snapshot of one room returned by Get: its tag and a
// copy of its joined-member set, safe to read without further locking.
type Info struct {
	Tag     Tag
	Members map[id.UserID]struct{}
}

// Encrypted reports whether the room is tagged Encrypted.
func (i Info) Encrypted() bool { return i.Tag == Encrypted }

// Direct reports the derived two-member-room predicate from spec §3.
func (i Info) Direct() bool { return len(i.Members) == 2 }

type entry struct {
	tag     Tag
	members map[id.UserID]struct{}
}

// Cache is the room/membership projection described in spec §4.3. It is
// safe for concurrent use from event handlers and the HTTP layer.
type Cache struct {
	mu      sync.RWMutex
	rooms   map[id.RoomID]*entry
	fetch   Fetcher
	isOwned func(id.UserID) bool
	sink    TrackedUsersSink
}

// New constructs an empty Cache. isOwned decides whether a user falls
// within the appservice's namespace (spec §3 User); sink may be nil if
// tracked-user recomputation is driven externally instead.
func New(fetch Fetcher, isOwned func(id.UserID) bool, sink TrackedUsersSink) *Cache {
	return &Cache{
		rooms:   make(map[id.RoomID]*entry),
		fetch:   fetch,
		isOwned: isOwned,
		sink:    sink,
	}
}

// Get returns a snapshot of the given room, or ok=false if unknown.
func (c *Cache) Get(roomID id.RoomID) (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.rooms[roomID]
	if !ok {
		return Info{}, false
	}
	return snapshot(e), true
}

func snapshot(e *entry) Info {
	members := make(map[id.UserID]struct{}, len(e.members))
	for u := range e.members {
		members[u] = struct{}{}
	}
	return Info{Tag: e.tag, Members: members}
}

// ensure fetches authoritative state for roomID if it is not yet cached,
// issuing the two homeserver queries (encryption state, joined members)
// concurrently per spec §4.3's tie-break note.
func (c *Cache) ensure(ctx context.Context, roomID id.RoomID) (*entry, error) {
	const op = "room.Cache.ensure"
	c.mu.RLock()
	e, ok := c.rooms[roomID]
	c.mu.RUnlock()
	if ok {
		return e, nil
	}

	var encrypted bool
	var members []id.UserID
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		encrypted, err = c.fetch.RoomEncrypted(gctx, roomID)
		return err
	})
	g.Go(func() error {
		var err error
		members, err = c.fetch.JoinedMembers(gctx, roomID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, merrors.Wrap(merrors.HTTP, op, err)
	}

	tag := Unencrypted
	if encrypted {
		tag = Encrypted
	}
	memberSet := make(map[id.UserID]struct{}, len(members))
	for _, u := range members {
		memberSet[u] = struct{}{}
	}

	c.mu.Lock()
	if existing, ok := c.rooms[roomID]; ok {
		// Another goroutine raced us to create it; keep that one, it may
		// already have more up-to-date membership than this fetch.
		c.mu.Unlock()
		return existing, nil
	}
	e = &entry{tag: tag, members: memberSet}
	c.rooms[roomID] = e
	c.mu.Unlock()
	return e, nil
}

// AddRoomMember inserts userID into roomID's joined-member set, creating
// the room entry on first sight via an authoritative fetch. Idempotent.
func (c *Cache) AddRoomMember(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	const op = "room.Cache.AddRoomMember"
	e, err := c.ensure(ctx, roomID)
	if err != nil {
		return merrors.Wrap(merrors.HTTP, op, err)
	}

	c.mu.Lock()
	_, already := e.members[userID]
	e.members[userID] = struct{}{}
	encrypted := e.tag == Encrypted
	c.mu.Unlock()

	if already || !encrypted {
		return nil
	}
	return c.recomputeAffected(ctx, e)
}

// RemoveRoomMember removes userID from roomID's joined-member set. No-op
// if the room is unknown or the user was not a member.
func (c *Cache) RemoveRoomMember(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	c.mu.Lock()
	e, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	_, present := e.members[userID]
	delete(e.members, userID)
	encrypted := e.tag == Encrypted
	c.mu.Unlock()

	if !present || !encrypted {
		return nil
	}
	return c.recomputeAffected(ctx, e)
}

// UpgradeRoomEncryption atomically promotes roomID from Unencrypted to
// Encrypted, preserving its member set. No-op if the room is unknown or
// already encrypted (spec §3: the reverse transition never happens).
func (c *Cache) UpgradeRoomEncryption(ctx context.Context, roomID id.RoomID) error {
	c.mu.Lock()
	e, ok := c.rooms[roomID]
	if !ok || e.tag == Encrypted {
		c.mu.Unlock()
		return nil
	}
	e.tag = Encrypted
	c.mu.Unlock()

	return c.recomputeAffected(ctx, e)
}

// PopulateKnownRooms ensures every id in ids has a cache entry, fetching
// authoritative state for any not yet present.
func (c *Cache) PopulateKnownRooms(ctx context.Context, ids []id.RoomID) error {
	const op = "room.Cache.PopulateKnownRooms"
	for _, roomID := range ids {
		if _, err := c.ensure(ctx, roomID); err != nil {
			return merrors.Wrap(merrors.HTTP, op, err)
		}
	}
	return nil
}

// GetEncryptedMembers returns the union of joined members of every
// Encrypted room containing user, always including user itself (spec §4.3,
// property 4: the tracked-user closure).
func (c *Cache) GetEncryptedMembers(user id.UserID) map[id.UserID]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[id.UserID]struct{}{user: {}}
	for _, e := range c.rooms {
		if e.tag != Encrypted {
			continue
		}
		if _, in := e.members[user]; !in {
			continue
		}
		for member := range e.members {
			out[member] = struct{}{}
		}
	}
	return out
}

// recomputeAffected recomputes and publishes the tracked-user closure for
// every AS-owned member currently in e, to whatever sink is wired.
func (c *Cache) recomputeAffected(ctx context.Context, e *entry) error {
	if c.sink == nil || c.isOwned == nil {
		return nil
	}
	c.mu.RLock()
	owned := make([]id.UserID, 0, len(e.members))
	for u := range e.members {
		if c.isOwned(u) {
			owned = append(owned, u)
		}
	}
	c.mu.RUnlock()

	for _, u := range owned {
		members := c.GetEncryptedMembers(u)
		if err := c.sink.UpdateTrackedUsers(ctx, u, members); err != nil {
			return merrors.Wrap(merrors.HTTP, "room.Cache.recomputeAffected", err)
		}
	}
	return nil
}
