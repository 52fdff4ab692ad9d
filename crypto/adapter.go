// Package crypto implements the crypto adapter (spec §4.1, C1): a thin
// orchestration layer around the external Olm/Megolm machine and its
// persistent store (maunium.net/go/mautrix/crypto.OlmMachine /
// SQLCryptoStore). The primitives themselves — Double Ratchet sessions,
// Megolm group sessions, the on-disk store — are treated as an external
// collaborator per spec §1; this package only translates between that
// collaborator's calls and the appservice core's pull-based outgoing
// request pump (spec §4.1 table).
package crypto

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	merrors "github.com/spacebased/masquerade-go/errors"
)

// EncryptionSyncChanges is the snapshot handed from the transaction
// processor (C6) to a device's sync loop (C5), then fed to Sync (spec §3).
type EncryptionSyncChanges struct {
	ToDevice              []*event.Event
	ChangedDeviceLists    []id.UserID
	OneTimeKeysCount      map[id.KeyAlgorithm]int
	UnusedFallbackKeyAlgs []id.KeyAlgorithm
	NextBatch             string
}

// RequestKind enumerates the six outgoing request shapes an adapter pump
// produces (spec §4.1 table).
type RequestKind int

const (
	KeysQuery RequestKind = iota
	KeysUpload
	KeysClaim
	ToDevice
	SignatureUpload
	RoomMessage
)

func (k RequestKind) String() string {
	switch k {
	case KeysQuery:
		return "keys_query"
	case KeysUpload:
		return "keys_upload"
	case KeysClaim:
		return "keys_claim"
	case ToDevice:
		return "to_device"
	case SignatureUpload:
		return "signature_upload"
	case RoomMessage:
		return "room_message"
	default:
		return "unknown"
	}
}

// OutgoingRequest is one pending homeserver call the adapter needs the
// runtime to perform on its behalf, masquerading as the owning puppet
// device (spec §4.1/§6).
type OutgoingRequest struct {
	ID        string
	Kind      RequestKind
	EventType string // to_device event type, or room message event type
	TxnID     string // for ToDevice / RoomMessage, which are idempotent per txn
	RoomID    id.RoomID
	Body      any
}

// Response is the homeserver's reply to one OutgoingRequest, fed back via
// MarkSent so the adapter can settle or retry internal state.
type Response any

// Adapter is the contract spec §4.1 requires of the crypto layer. All
// operations fail with Kind CryptoStore, Olm, or Megolm on an underlying
// store/protocol error.
type Adapter interface {
	Sync(ctx context.Context, changes EncryptionSyncChanges) error
	EncryptRoomEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (*event.EncryptedEventContent, error)
	DecryptRoomEvent(ctx context.Context, raw *event.Event) (*event.Event, error)
	UpdateTrackedUsers(ctx context.Context, users map[id.UserID]struct{}) error
	OutgoingRequests(ctx context.Context) ([]OutgoingRequest, error)
	MarkSent(ctx context.Context, requestID string, resp Response) error
	TrackedUsers() map[id.UserID]struct{}
	ShareRoomKey(ctx context.Context, roomID id.RoomID, members []id.UserID) error
	MissingSessions(ctx context.Context, members []id.UserID) ([]id.UserID, error)
}

// RoomLookup is the subset of the room cache (C3) the adapter needs to
// decide whether encrypt_room_event is permitted and who to share keys
// with, without importing the room package (avoiding an import cycle).
type RoomLookup interface {
	RoomEncrypted(roomID id.RoomID) (bool, bool) // (encrypted, known)
	RoomMembers(roomID id.RoomID) ([]id.UserID, bool)
}

// outbox is the internal pull-based queue this adapter maintains on top of
// OlmMachine, which itself performs homeserver I/O directly rather than
// exposing a request queue (see DESIGN.md: this is the one place this
// package's shape diverges from a literal passthrough of the wrapped
// library, because the wrapped library's API is push- not pull-based).
type outbox struct {
	mu       sync.Mutex
	pending  []OutgoingRequest
	nextSeq  int
	inflight map[string]OutgoingRequest
}

func newOutbox() *outbox {
	return &outbox{inflight: make(map[string]OutgoingRequest)}
}

func (o *outbox) enqueue(kind RequestKind, eventType event.Type, txnID string, roomID id.RoomID, body any) OutgoingRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextSeq++
	req := OutgoingRequest{
		ID:        requestID(o.nextSeq),
		Kind:      kind,
		EventType: eventType.Type,
		TxnID:     txnID,
		RoomID:    roomID,
		Body:      body,
	}
	o.pending = append(o.pending, req)
	return req
}

func requestID(seq int) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, 16)
	n := seq
	if n == 0 {
		buf = append(buf, '0')
	}
	for n > 0 {
		buf = append([]byte{hex[n%16]}, buf...)
		n /= 16
	}
	return "req-" + string(buf)
}

func (o *outbox) drain() []OutgoingRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	drained := o.pending
	o.pending = nil
	for _, r := range drained {
		o.inflight[r.ID] = r
	}
	return drained
}

func (o *outbox) settle(requestID string) (OutgoingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	req, ok := o.inflight[requestID]
	if ok {
		delete(o.inflight, requestID)
	}
	return req, ok
}

var errNoSuchRequest = merrors.New(merrors.Olm, "crypto.outbox.settle")
