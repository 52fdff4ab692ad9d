package crypto

import (
	"context"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	mcrypto "maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	merrors "github.com/spacebased/masquerade-go/errors"
)

// stateStore adapts a RoomLookup into the crypto.StateStore shape
// OlmMachine needs to decide encryption/group-session routing, following
// the same wrapping idiom as the teacher's handlers/crypto_helper.go.
type stateStore struct {
	lookup RoomLookup
}

func (s *stateStore) IsEncrypted(_ context.Context, roomID id.RoomID) (bool, error) {
	encrypted, _ := s.lookup.RoomEncrypted(roomID)
	return encrypted, nil
}

func (s *stateStore) GetEncryptionEvent(_ context.Context, _ id.RoomID) (*event.EncryptionEventContent, error) {
	return &event.EncryptionEventContent{
		Algorithm:              id.AlgorithmMegolmV1,
		RotationPeriodMillis:   604800000,
		RotationPeriodMessages: 100,
	}, nil
}

func (s *stateStore) FindSharedRooms(_ context.Context, _ id.UserID) ([]id.RoomID, error) {
	return nil, nil
}

// OlmAdapter is the concrete Adapter (C1) backing one puppet device,
// wrapping a mautrix crypto.OlmMachine + SQLCryptoStore as the external
// Olm/Megolm collaborator spec §1 names.
type OlmAdapter struct {
	log    zerolog.Logger
	client *mautrix.Client
	store  *mcrypto.SQLCryptoStore
	mach   *mcrypto.OlmMachine
	lookup RoomLookup
	box    *outbox
}

// OlmAdapterConfig groups the construction-time dependencies for an
// OlmAdapter: one per puppet device.
type OlmAdapterConfig struct {
	Client     *mautrix.Client
	DB         *dbutil.Database
	AccountID  string
	PickleKey  []byte
	DeviceID   id.DeviceID
	RoomLookup RoomLookup
	Log        zerolog.Logger
}

// NewOlmAdapter opens (or creates) the per-device SQLite crypto store at
// the database handed in cfg.DB and constructs the backing OlmMachine,
// mirroring the teacher's CryptoHelper.Init sequence.
func NewOlmAdapter(ctx context.Context, cfg OlmAdapterConfig) (*OlmAdapter, error) {
	const op = "crypto.NewOlmAdapter"

	store := mcrypto.NewSQLCryptoStore(
		cfg.DB,
		dbutil.ZeroLogger(cfg.Log.With().Str("db_section", "crypto").Logger()),
		cfg.AccountID,
		cfg.DeviceID,
		cfg.PickleKey,
	)
	if err := store.DB.Upgrade(ctx); err != nil {
		return nil, merrors.Wrap(merrors.CryptoStore, op, err)
	}

	wrapped := &stateStore{lookup: cfg.RoomLookup}
	mach := mcrypto.NewOlmMachine(cfg.Client, &cfg.Log, store, wrapped)
	mach.AllowKeyShare = func(ctx context.Context, device *id.Device, info event.RequestedKeyInfo) *mcrypto.KeyShareRejection {
		return &mcrypto.KeyShareRejectNoResponse
	}

	if err := mach.Load(ctx); err != nil {
		return nil, merrors.Wrap(merrors.Olm, op, err)
	}

	a := &OlmAdapter{
		log:    cfg.Log,
		client: cfg.Client,
		store:  store,
		mach:   mach,
		lookup: cfg.RoomLookup,
		box:    newOutbox(),
	}

	// ShareKeys both generates and uploads this device's identity/one-time
	// keys over mach's own embedded client (spec §9 "initial key upload on
	// first run"), mirroring the teacher's CryptoHelper.Init exactly rather
	// than faking an outbox entry nothing ever sends for real.
	if err := mach.ShareKeys(ctx, -1); err != nil {
		return nil, merrors.Wrap(merrors.Olm, op, err)
	}
	return a, nil
}

func (a *OlmAdapter) Sync(ctx context.Context, changes EncryptionSyncChanges) error {
	const op = "crypto.OlmAdapter.Sync"
	resp := &mautrix.RespSync{}
	for _, evt := range changes.ToDevice {
		resp.ToDevice.Events = append(resp.ToDevice.Events, evt)
	}
	resp.DeviceLists.Changed = changes.ChangedDeviceLists
	resp.DeviceOneTimeKeysCount = make(map[id.KeyAlgorithm]int, len(changes.OneTimeKeysCount))
	for alg, n := range changes.OneTimeKeysCount {
		resp.DeviceOneTimeKeysCount[alg] = n
	}
	resp.DeviceUnusedFallbackKeyTypes = changes.UnusedFallbackKeyAlgs

	a.mach.ProcessSyncResponse(ctx, resp, changes.NextBatch)

	// A one-time key is consumed whenever a count drops to zero for an
	// algorithm the device still needs; ShareKeys both generates and
	// uploads replacements over mach's own embedded client, the same real
	// call NewOlmAdapter makes on first run.
	total := 0
	exhausted := false
	for _, count := range changes.OneTimeKeysCount {
		total += count
		if count == 0 {
			exhausted = true
		}
	}
	if exhausted {
		if err := a.mach.ShareKeys(ctx, total); err != nil {
			return merrors.Wrap(merrors.Olm, op, err)
		}
	}
	return nil
}

func (a *OlmAdapter) EncryptRoomEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (*event.EncryptedEventContent, error) {
	const op = "crypto.OlmAdapter.EncryptRoomEvent"
	encrypted, known := a.lookup.RoomEncrypted(roomID)
	if !known {
		return nil, merrors.New(merrors.RoomNotFound, op)
	}
	if !encrypted {
		return nil, merrors.New(merrors.RoomNotEncrypted, op)
	}

	members, _ := a.lookup.RoomMembers(roomID)
	// ShareGroupSession claims one-time keys for any member missing an Olm
	// session itself, over mach's own embedded client, before sending the
	// room key — nothing left here for this adapter's own outbox to carry.
	if err := a.ShareRoomKey(ctx, roomID, members); err != nil {
		return nil, merrors.Wrap(merrors.Megolm, op, err)
	}

	out, err := a.mach.EncryptMegolmEvent(ctx, roomID, eventType, content)
	if err != nil {
		return nil, merrors.Wrap(merrors.Megolm, op, err)
	}
	return out, nil
}

func (a *OlmAdapter) DecryptRoomEvent(ctx context.Context, raw *event.Event) (*event.Event, error) {
	const op = "crypto.OlmAdapter.DecryptRoomEvent"
	decrypted, err := a.mach.DecryptMegolmEvent(ctx, raw)
	if err != nil {
		return nil, merrors.Wrap(merrors.Megolm, op, err)
	}
	return decrypted, nil
}

func (a *OlmAdapter) UpdateTrackedUsers(ctx context.Context, users map[id.UserID]struct{}) error {
	const op = "crypto.OlmAdapter.UpdateTrackedUsers"
	list := make([]id.UserID, 0, len(users))
	for u := range users {
		list = append(list, u)
	}
	// UpdateTrackedUsers queries device lists/keys for any newly tracked
	// user itself, over mach's own embedded client.
	a.mach.UpdateTrackedUsers(ctx, list)
	return nil
}

func (a *OlmAdapter) TrackedUsers() map[id.UserID]struct{} {
	out := make(map[id.UserID]struct{})
	for _, u := range a.mach.GetTrackedUsers(context.Background()) {
		out[u] = struct{}{}
	}
	return out
}

func (a *OlmAdapter) ShareRoomKey(ctx context.Context, roomID id.RoomID, members []id.UserID) error {
	const op = "crypto.OlmAdapter.ShareRoomKey"
	if err := a.mach.ShareGroupSession(ctx, roomID, members); err != nil {
		return merrors.Wrap(merrors.Megolm, op, err)
	}
	return nil
}

func (a *OlmAdapter) MissingSessions(ctx context.Context, members []id.UserID) ([]id.UserID, error) {
	missing, err := a.mach.GetMissingSessionDevices(ctx, members)
	if err != nil {
		return nil, merrors.Wrap(merrors.Olm, "crypto.OlmAdapter.MissingSessions", err)
	}
	out := make([]id.UserID, 0, len(missing))
	for u := range missing {
		out = append(out, u)
	}
	return out, nil
}

// OutgoingRequests drains the adapter's internal outbox. The wrapped
// OlmMachine performs every key-management call (upload, query, claim) and
// to-device room-key share itself, over its own embedded client, so this
// adapter never has anything genuine to enqueue onto it; the outbox and
// this pull-based method exist to satisfy the spec §4.1 contract for any
// future request kind (e.g. an explicit cross-signing signature upload)
// that a later adapter implementation might need the runtime to perform
// on its behalf instead.
func (a *OlmAdapter) OutgoingRequests(_ context.Context) ([]OutgoingRequest, error) {
	return a.box.drain(), nil
}

func (a *OlmAdapter) MarkSent(_ context.Context, requestID string, resp Response) error {
	req, ok := a.box.settle(requestID)
	if !ok {
		return errNoSuchRequest
	}
	a.log.Debug().Str("request_id", requestID).Str("kind", req.Kind.String()).Msg("outgoing crypto request marked sent")
	_ = resp
	return nil
}

var _ Adapter = (*OlmAdapter)(nil)

func (a *OlmAdapter) String() string {
	return fmt.Sprintf("OlmAdapter(device=%s)", a.store.DeviceID)
}
