// Package masquerade is the appservice root (spec §4.9, C9): it wires the
// crypto adapter, homeserver client, room/user caches, transaction
// processor, handler registry, and HTTP server surface into one running
// service, and owns the bot's own puppet device.
package masquerade

import (
	"context"
	"fmt"
	"path/filepath"
	"weak"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	mcrypto "github.com/spacebased/masquerade-go/crypto"
	"github.com/spacebased/masquerade-go/config"
	merrors "github.com/spacebased/masquerade-go/errors"
	"github.com/spacebased/masquerade-go/handler"
	"github.com/spacebased/masquerade-go/hsclient"
	"github.com/spacebased/masquerade-go/room"
	"github.com/spacebased/masquerade-go/server"
	"github.com/spacebased/masquerade-go/transaction"
	"github.com/spacebased/masquerade-go/user"
)

// Appservice is the strong owner of every component (C1-C8). The adapters
// that components call back into from event handling and transaction
// processing (trackedUsersSink, deviceManager, deviceLookup) hold only a
// weak.Pointer back-reference to it rather than a strong *Appservice, per
// spec §9's weak-ownership note.
type Appservice struct {
	Config *config.Config
	Log    zerolog.Logger

	HS       *hsclient.Client
	Rooms    *room.Cache
	Users    *user.Cache
	Handlers *handler.Registry
	Txns     *transaction.Processor
	Server   *server.Server

	BotUserID id.UserID
	bot       *user.Device
}

// New wires every component from cfg and returns a ready-to-run Appservice.
// It does not start any network listener or device loop; call Run for that.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Appservice, error) {
	const op = "masquerade.New"

	hs, err := hsclient.New(cfg.Homeserver.URL, cfg.Appservice.ID, cfg.Appservice.ASToken)
	if err != nil {
		return nil, merrors.Wrap(merrors.HTTP, op, err)
	}

	as := &Appservice{
		Config:    cfg,
		Log:       log,
		HS:        hs,
		Users:     user.NewCache(),
		Handlers:  handler.NewRegistry(log.With().Str("component", "handler").Logger()),
		BotUserID: botUserID(cfg),
	}

	as.Rooms = room.New(hs.As(as.BotUserID, ""), as.isOwnedUser, &trackedUsersSink{root: weak.Make(as)})

	as.Txns = &transaction.Processor{
		AppserviceID: cfg.Appservice.ID,
		Log:          transaction.NewLog(),
		Devices:      &deviceManager{root: weak.Make(as)},
		Handlers:     as.Handlers,
		Logger:       log.With().Str("component", "transaction").Logger(),
	}

	as.Server = server.New(cfg.Appservice.ID, cfg.Appservice.HSToken, as.Txns, log.With().Str("component", "server").Logger())

	if err := handler.RegisterMembership(as.Handlers, as.Rooms); err != nil {
		return nil, merrors.Wrap(merrors.EventType, op, err)
	}
	if err := handler.RegisterEncryptionUpgrade(as.Handlers, as.Rooms); err != nil {
		return nil, merrors.Wrap(merrors.EventType, op, err)
	}
	handler.RegisterDecryption(as.Handlers, &deviceLookup{root: weak.Make(as)})

	if err := as.ensureBot(ctx); err != nil {
		return nil, merrors.Wrap(merrors.IO, op, err)
	}

	return as, nil
}

// isOwnedUser reports whether userID is in the user cache: the bot user and
// every puppet whose device was created from a transaction. It does not
// match userID against the appservice's namespace.
func (as *Appservice) isOwnedUser(userID id.UserID) bool {
	_, ok := as.Users.Get(userID)
	return ok
}

func botUserID(cfg *config.Config) id.UserID {
	return id.NewUserID(cfg.Appservice.BotUsername, cfg.Homeserver.ServerName)
}

// roomLookup adapts room.Cache to the crypto.RoomLookup shape one
// OlmAdapter per device needs, without the crypto package importing room
// directly (spec §9, avoiding an import cycle).
type roomLookup struct {
	rooms *room.Cache
}

func (l *roomLookup) RoomEncrypted(roomID id.RoomID) (bool, bool) {
	info, ok := l.rooms.Get(roomID)
	if !ok {
		return false, false
	}
	return info.Encrypted(), true
}

func (l *roomLookup) RoomMembers(roomID id.RoomID) ([]id.UserID, bool) {
	info, ok := l.rooms.Get(roomID)
	if !ok {
		return nil, false
	}
	members := make([]id.UserID, 0, len(info.Members))
	for u := range info.Members {
		members = append(members, u)
	}
	return members, true
}

var _ mcrypto.RoomLookup = (*roomLookup)(nil)

// trackedUsersSink adapts the room cache's recomputed encrypted-member
// closure to the owning device's crypto adapter (spec §4.3 "recompute
// tracked users"), holding only a weak back-reference to the root since it
// is invoked from arbitrary event-handling goroutines that must not keep
// the whole service alive on their own.
type trackedUsersSink struct {
	root weak.Pointer[Appservice]
}

func (s *trackedUsersSink) UpdateTrackedUsers(ctx context.Context, owner id.UserID, members map[id.UserID]struct{}) error {
	as := s.root.Value()
	if as == nil {
		return merrors.New(merrors.UpgradeError, "masquerade.trackedUsersSink.UpdateTrackedUsers")
	}
	u, ok := as.Users.Get(owner)
	if !ok {
		return nil
	}
	d, ok := u.Device()
	if !ok {
		return nil
	}
	return d.Adapter.UpdateTrackedUsers(ctx, members)
}

// deviceManager implements transaction.DeviceManager: find-or-create the
// (user, device) pair a to-device/OTK-count entry addresses, lazily
// constructing its crypto adapter and starting its sync loop on first use.
type deviceManager struct {
	root weak.Pointer[Appservice]
}

func (m *deviceManager) EnsureDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*user.Device, error) {
	const op = "masquerade.deviceManager.EnsureDevice"
	as := m.root.Value()
	if as == nil {
		return nil, merrors.New(merrors.UpgradeError, op)
	}

	u := as.Users.Insert(userID)
	if d, ok := u.Device(); ok {
		return d, nil
	}
	return as.createDevice(ctx, u, deviceID)
}

// createDevice builds the crypto adapter for a fresh device slot and
// launches its sync loop in its own supervised goroutine: unlike the bot's
// device, puppet devices are created on demand from transaction processing
// rather than up front, so they cannot join Run's top-level errgroup.
func (as *Appservice) createDevice(ctx context.Context, u *user.User, deviceID id.DeviceID) (*user.Device, error) {
	d := u.CreateDevice(deviceID)
	if err := as.buildAdapter(ctx, u, d); err != nil {
		return nil, err
	}

	log := as.Log.With().Stringer("user_id", u.ID).Stringer("device_id", d.ID).Logger()
	pump := as.HS.As(u.ID, d.ID)
	go func() {
		if err := d.Run(context.Background(), pump, as.Rooms, log); err != nil {
			log.Error().Err(err).Msg("device sync loop exited")
		}
	}()

	return d, nil
}

// buildAdapter opens d's per-device crypto store and attaches its adapter,
// without starting its sync loop.
func (as *Appservice) buildAdapter(ctx context.Context, u *user.User, d *user.Device) error {
	const op = "masquerade.Appservice.buildAdapter"
	log := as.Log.With().Stringer("user_id", u.ID).Stringer("device_id", d.ID).Logger()

	// Spec §6 "Persisted state": one SQLite crypto store per device, at
	// <database.path>/<device_id>.db.
	dbPath := filepath.Join(as.Config.Database.Path, d.ID.String()+".db")
	db, err := dbutil.NewWithDialect(dbPath, "sqlite3")
	if err != nil {
		return merrors.Wrap(merrors.CryptoStore, op, err)
	}

	adapter, err := mcrypto.NewOlmAdapter(ctx, mcrypto.OlmAdapterConfig{
		Client:     as.HS.As(u.ID, d.ID).Client(),
		DB:         db,
		AccountID:  fmt.Sprintf("%s/%s", u.ID, d.ID),
		PickleKey:  []byte(as.Config.Database.Passphrase),
		DeviceID:   d.ID,
		RoomLookup: &roomLookup{rooms: as.Rooms},
		Log:        log,
	})
	if err != nil {
		return merrors.Wrap(merrors.CryptoStore, op, err)
	}
	d.Adapter = adapter
	return nil
}

// deviceLookup implements handler.DeviceLookup: every AS-owned joined
// device in a room is a decryption candidate for an incoming
// m.room.encrypted event (spec §4.7).
type deviceLookup struct {
	root weak.Pointer[Appservice]
}

func (l *deviceLookup) JoinedDevices(roomID id.RoomID) []handler.DecryptCandidate {
	as := l.root.Value()
	if as == nil {
		return nil
	}
	info, ok := as.Rooms.Get(roomID)
	if !ok {
		return nil
	}

	var candidates []handler.DecryptCandidate
	for memberID := range info.Members {
		u, ok := as.Users.Get(memberID)
		if !ok {
			continue
		}
		d, ok := u.Device()
		if !ok {
			continue
		}
		candidates = append(candidates, handler.DecryptCandidate{
			UserID:  memberID,
			Decrypt: d.Adapter.DecryptRoomEvent,
		})
	}
	return candidates
}
