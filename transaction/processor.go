package transaction

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	mcrypto "github.com/spacebased/masquerade-go/crypto"
	merrors "github.com/spacebased/masquerade-go/errors"
	"github.com/spacebased/masquerade-go/user"
)

// Body is the MSC3202-dialect transaction payload pushed by the
// homeserver (spec §6).
type Body struct {
	Events                       []*event.Event                                          `json:"events"`
	Ephemeral                    []*event.Event                                          `json:"de.sorunome.msc2409.ephemeral"`
	ToDevice                     []*event.Event                                          `json:"de.sorunome.msc2409.to_device"`
	DeviceLists                  *DeviceLists                                            `json:"org.matrix.msc3202.device_lists,omitempty"`
	DeviceOTKCount               map[id.UserID]map[id.DeviceID]map[id.KeyAlgorithm]int   `json:"org.matrix.msc3202.device_one_time_keys_count,omitempty"`
	DeviceUnusedFallbackKeyTypes map[id.UserID]map[id.DeviceID][]id.KeyAlgorithm         `json:"org.matrix.msc3202.device_unused_fallback_key_types,omitempty"`
}

// DeviceLists carries the changed/left user ids from one transaction
// (spec §6: "org.matrix.msc3202.device_lists").
type DeviceLists struct {
	Changed []id.UserID `json:"changed"`
	Left    []id.UserID `json:"left"`
}

// DeviceManager is the collaborator the processor uses to find-or-create
// the (user, device) pair addressed by a to-device/OTK-count entry, and to
// ensure its sync loop is running, per spec §4.6 step 2.
type DeviceManager interface {
	EnsureDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*user.Device, error)
}

// EventDispatcher is the event handler registry (C7) timeline events are
// routed to.
type EventDispatcher interface {
	Dispatch(ctx context.Context, evt *event.Event) error
}

// Processor implements C6: extraction of a pushed transaction into
// per-device sync work and per-event handler work, wrapped in a Log for
// per-transaction-id exactly-once semantics.
type Processor struct {
	AppserviceID string
	Log          *Log
	Devices      DeviceManager
	Handlers     EventDispatcher
	Logger       zerolog.Logger
}

// HandleTransaction processes txnID's body at most once (spec §4.6),
// returning the cached result for any repeat.
func (p *Processor) HandleTransaction(ctx context.Context, txnID string, body Body) Response {
	return p.Log.Do(ctx, txnID, func(ctx context.Context) Response {
		return p.process(ctx, body)
	})
}

func (p *Processor) process(ctx context.Context, body Body) Response {
	log := p.Logger.With().Str("transaction_id", "").Logger()

	toDeviceIndex := indexToDevice(body.ToDevice)

	var changedDeviceLists []id.UserID
	if body.DeviceLists != nil {
		changedDeviceLists = body.DeviceLists.Changed
	}

	for userID, byDevice := range body.DeviceOTKCount {
		for deviceID, counts := range byDevice {
			device, err := p.Devices.EnsureDevice(ctx, userID, deviceID)
			if err != nil {
				return p.errorResponse(merrors.Wrap(merrors.IO, "transaction.Processor.process", err))
			}

			var fallback []id.KeyAlgorithm
			if byUser, ok := body.DeviceUnusedFallbackKeyTypes[userID]; ok {
				fallback = byUser[deviceID]
			}

			batch := mcrypto.EncryptionSyncChanges{
				ToDevice:              toDeviceIndex[toDeviceKey{userID, deviceID}],
				ChangedDeviceLists:    changedDeviceLists,
				OneTimeKeysCount:      counts,
				UnusedFallbackKeyAlgs: fallback,
			}
			if err := device.Enqueue(ctx, batch); err != nil {
				return p.errorResponse(merrors.Wrap(merrors.Send, "transaction.Processor.process", err))
			}
		}
	}

	for _, evt := range body.Events {
		if err := p.Handlers.Dispatch(ctx, evt); err != nil {
			log.Error().Err(err).Str("event_id", evt.ID.String()).Msg("event handler dispatch failed")
			return p.errorResponse(merrors.Wrap(merrors.Other, "transaction.Processor.process", err))
		}
	}

	// Ephemeral events are accepted but intentionally not dispatched
	// (spec §4.6 step 4, carried over from the Rust original's deferred
	// TODO — see DESIGN.md).
	return Response{Status: http.StatusOK, Body: map[string]string{}}
}

func (p *Processor) errorResponse(err error) Response {
	p.Logger.Error().Err(err).Msg("transaction processing failed")
	status := http.StatusInternalServerError
	return Response{
		Status: status,
		Body:   merrors.Body{ErrCode: merrors.ErrCode(p.AppserviceID, status)},
	}
}

type toDeviceKey struct {
	user   id.UserID
	device id.DeviceID
}

// indexToDevice groups raw to-device events by (to_user_id, to_device_id),
// reading those fields from each event via toDeviceTarget (spec §4.6 step 1).
func indexToDevice(events []*event.Event) map[toDeviceKey][]*event.Event {
	out := make(map[toDeviceKey][]*event.Event)
	for _, evt := range events {
		userID, deviceID, ok := toDeviceTarget(evt)
		if !ok {
			continue
		}
		key := toDeviceKey{userID, deviceID}
		out[key] = append(out[key], evt)
	}
	return out
}

// toDeviceTarget extracts to_user_id/to_device_id from a raw to-device
// event. The homeserver includes these as top-level fields alongside the
// usual event envelope for to-device payloads pushed via MSC2409/MSC3202;
// when either top-level field is empty, both are read from the content.
func toDeviceTarget(evt *event.Event) (id.UserID, id.DeviceID, bool) {
	if evt == nil {
		return "", "", false
	}
	userID, deviceID := evt.ToUserID, evt.ToDeviceID
	if userID == "" || deviceID == "" {
		rawUser, _ := evt.Content.Raw["to_user_id"].(string)
		rawDevice, _ := evt.Content.Raw["to_device_id"].(string)
		userID, deviceID = id.UserID(rawUser), id.DeviceID(rawDevice)
	}
	if userID == "" || deviceID == "" {
		return "", "", false
	}
	return userID, deviceID, true
}
