package user

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	mcrypto "github.com/spacebased/masquerade-go/crypto"
	merrors "github.com/spacebased/masquerade-go/errors"
)

// queueCapacity is the bounded inbound queue size from spec §4.5/§6: "a
// bounded inbound queue of sync-change batches" of capacity 50.
const queueCapacity = 50

// outgoingPumpInterval and presenceInterval are the two tickers driving
// the steady-state loop (spec §4.5 step 3c/3d).
const (
	outgoingPumpInterval = 2 * time.Second
	presenceInterval     = 30 * time.Second
)

// SyncChangeBatch is the value C6 enqueues onto a device's inbound channel
// (spec §3 EncryptionSyncChanges).
type SyncChangeBatch = mcrypto.EncryptionSyncChanges

// Pump is the homeserver-facing collaborator (C2) a device loop drives: it
// translates crypto OutgoingRequests into HTTP calls and sets presence,
// always masquerading as this device's owner.
type Pump interface {
	Dispatch(ctx context.Context, req mcrypto.OutgoingRequest) (mcrypto.Response, error)
	SetPresence(ctx context.Context, presence string) error
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
}

// RoomTracker is the subset of the room cache (C3) a device loop consults
// at startup to compute its owner's encrypted-member closure.
type RoomTracker interface {
	PopulateKnownRooms(ctx context.Context, ids []id.RoomID) error
	GetEncryptedMembers(user id.UserID) map[id.UserID]struct{}
}

// Device is one puppet device: its crypto adapter, its single bounded
// inbound queue, and the cancellation signal of its running loop, if any
// (spec §3 Device).
type Device struct {
	ID    id.DeviceID
	owner id.UserID

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	queue   chan SyncChangeBatch

	Adapter mcrypto.Adapter
}

// Owner returns the user id this device belongs to.
func (d *Device) Owner() id.UserID { return d.owner }

// Enqueue pushes a sync-change batch onto the device's inbound queue,
// blocking if full (spec §4.5/§4.6: "push... (blocking if full)").
func (d *Device) Enqueue(ctx context.Context, batch SyncChangeBatch) error {
	select {
	case d.queue <- batch:
		return nil
	case <-ctx.Done():
		return merrors.Wrap(merrors.Send, "user.Device.Enqueue", ctx.Err())
	}
}

// Run is the device's cooperative sync loop (spec §4.5). It performs the
// startup sequence, then loops with biased priority: cancellation first,
// sync-change batches second, the 2s outgoing-request pump third, the 30s
// presence tick last. Returns MultipleSync if a loop is already running.
func (d *Device) Run(ctx context.Context, pump Pump, rooms RoomTracker, log zerolog.Logger) error {
	const op = "user.Device.Run"

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return merrors.New(merrors.MultipleSync, op)
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	queue := d.queue
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.cancel = nil
		d.mu.Unlock()
	}()

	if err := d.startup(runCtx, pump, rooms, log); err != nil {
		return merrors.Wrap(merrors.HTTP, op, err)
	}

	outgoing := time.NewTicker(outgoingPumpInterval)
	defer outgoing.Stop()
	presence := time.NewTicker(presenceInterval)
	defer presence.Stop()

	for {
		// Checked first and non-blocking so cancellation always wins a
		// simultaneous wakeup, restoring the documented priority order
		// (cancellation, then batch, then outgoing pump, then presence)
		// that a single unbiased select can't guarantee on its own.
		select {
		case <-runCtx.Done():
			log.Debug().Stringer("device_id", d.ID).Msg("device sync loop cancelled")
			return nil
		default:
		}

		select {
		case <-runCtx.Done():
			log.Debug().Stringer("device_id", d.ID).Msg("device sync loop cancelled")
			return nil
		case batch := <-queue:
			if err := d.Adapter.Sync(runCtx, batch); err != nil {
				log.Error().Err(err).Stringer("device_id", d.ID).Msg("sync failed")
			}
		case <-outgoing.C:
			if err := d.pumpOutgoing(runCtx, pump, log); err != nil {
				log.Error().Err(err).Stringer("device_id", d.ID).Msg("outgoing request pump failed")
			}
		case <-presence.C:
			if err := pump.SetPresence(runCtx, "online"); err != nil {
				log.Error().Err(err).Stringer("device_id", d.ID).Msg("presence update failed")
			}
		}
	}
}

func (d *Device) startup(ctx context.Context, pump Pump, rooms RoomTracker, log zerolog.Logger) error {
	joined, err := pump.JoinedRooms(ctx)
	if err != nil {
		return err
	}
	if err := rooms.PopulateKnownRooms(ctx, joined); err != nil {
		return err
	}
	members := rooms.GetEncryptedMembers(d.owner)
	if err := d.Adapter.UpdateTrackedUsers(ctx, members); err != nil {
		return err
	}
	log.Info().Stringer("device_id", d.ID).Int("tracked_users", len(members)).Msg("device sync loop starting")
	return nil
}

// pumpOutgoing drains the adapter's outgoing requests, dispatches each
// through pump, and marks it sent, per spec §4.5 step 3c.
func (d *Device) pumpOutgoing(ctx context.Context, pump Pump, log zerolog.Logger) error {
	requests, err := d.Adapter.OutgoingRequests(ctx)
	if err != nil {
		return err
	}
	for _, req := range requests {
		resp, err := pump.Dispatch(ctx, req)
		if err != nil {
			log.Error().Err(err).Str("request_id", req.ID).Str("kind", req.Kind.String()).Msg("outgoing crypto request failed")
			continue
		}
		if err := d.Adapter.MarkSent(ctx, req.ID, resp); err != nil {
			log.Error().Err(err).Str("request_id", req.ID).Msg("mark_sent failed")
		}
	}
	return nil
}

// Stop cancels a running loop and clears the cancellation signal.
// Idempotent if the loop is not running. Cooperative: the loop exits on
// its next select iteration.
func (d *Device) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
