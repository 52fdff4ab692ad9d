package handler

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	merrors "github.com/spacebased/masquerade-go/errors"
)

// memberEvent is the stripped view of m.room.member used by the built-in
// membership handler (spec §4.7).
type memberEvent struct {
	Membership event.Membership `json:"membership"`
}

func (memberEvent) EventType() event.Type { return event.StateMember }

// encryptionEvent is the stripped view of m.room.encryption.
type encryptionEvent struct {
	Algorithm id.Algorithm `json:"algorithm"`
}

func (encryptionEvent) EventType() event.Type { return event.StateEncryption }

// encryptedEvent wraps m.room.encrypted payloads; decryption needs the raw
// event, not just its content, so the built-in handler for this type is
// registered directly against the registry rather than through the
// generic Callback[Ev] path (see RegisterDecryption below).
type encryptedEvent struct{}

func (encryptedEvent) EventType() event.Type { return event.EventEncrypted }

// RoomMembership is the subset of the room cache (C3) the membership
// handler needs.
type RoomMembership interface {
	AddRoomMember(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	RemoveRoomMember(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	UpgradeRoomEncryption(ctx context.Context, roomID id.RoomID) error
}

// DeviceLookup resolves every AS-owned joined user in a room to the
// device whose crypto adapter should attempt decryption (spec §4.7
// m.room.encrypted: "for each AS-owned joined user in it with a device").
type DeviceLookup interface {
	JoinedDevices(roomID id.RoomID) []DecryptCandidate
}

// DecryptCandidate is one (user, decrypt function) pair DeviceLookup hands
// back for a room.
type DecryptCandidate struct {
	UserID  id.UserID
	Decrypt func(ctx context.Context, raw *event.Event) (*event.Event, error)
}

// RegisterMembership wires the built-in m.room.member handler: Joined adds
// the member to the room cache, Left removes it, other membership changes
// are ignored (spec §4.7). The affected user is the event's state_key, not
// its sender — they differ whenever one user changes another's membership
// (invite, kick, ban).
func RegisterMembership(r *Registry, rooms RoomMembership) error {
	return Register(r, func(ctx context.Context, evt memberEvent, hctx Context) error {
		member := id.UserID(hctx.StateKey)
		switch evt.Membership {
		case event.MembershipJoin:
			return rooms.AddRoomMember(ctx, hctx.RoomID, member)
		case event.MembershipLeave:
			return rooms.RemoveRoomMember(ctx, hctx.RoomID, member)
		default:
			return nil
		}
	})
}

// RegisterEncryptionUpgrade wires the built-in m.room.encryption handler:
// promotes the room to Encrypted (spec §4.7).
func RegisterEncryptionUpgrade(r *Registry, rooms RoomMembership) error {
	return Register(r, func(ctx context.Context, _ encryptionEvent, hctx Context) error {
		return rooms.UpgradeRoomEncryption(ctx, hctx.RoomID)
	})
}

// RegisterDecryption wires the built-in m.room.encrypted handler. It needs
// the raw event (for decryption) rather than a deserialized payload, so it
// is registered as a raw erasedHandler directly instead of through the
// generic Callback[Ev] path the other built-ins use.
func RegisterDecryption(r *Registry, devices DeviceLookup) {
	r.handlers[event.EventEncrypted.Type] = append(
		r.handlers[event.EventEncrypted.Type],
		decryptHandler{registry: r, devices: devices},
	)
}

type decryptHandler struct {
	registry *Registry
	devices  DeviceLookup
}

func (h decryptHandler) invoke(ctx context.Context, raw *event.Event, hctx Context) error {
	const op = "handler.decryptHandler.invoke"
	candidates := h.devices.JoinedDevices(hctx.RoomID)
	for _, c := range candidates {
		decrypted, err := c.Decrypt(ctx, raw)
		if err != nil {
			continue
		}
		return h.registry.Dispatch(ctx, decrypted)
	}
	return merrors.New(merrors.DecryptEvent, op)
}
