// Package handler implements the typed event handler registry (spec §4.7,
// C7): a dynamic-dispatch fan-out keyed on Matrix event type, deserializing
// each raw event into the shape its handler expects before invoking a user
// callback with a rich context.
package handler

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	merrors "github.com/spacebased/masquerade-go/errors"
)

// Context is the per-invocation context handed to every callback (spec §3
// EventContext), cloned once per handler invocation.
type Context struct {
	RoomID   id.RoomID
	SenderID id.UserID
	// StateKey is the raw event's state_key, populated for state events.
	// For m.room.member this is the user whose membership changed, which
	// is not necessarily SenderID (an invite, kick, or ban is sent by one
	// user but names another in state_key).
	StateKey string
}

// Typed is the capability a handler's event payload type must provide: a
// static type discriminator and ordinary JSON deserialization (spec §4.7:
// "TYPE: static string, Deserialize").
type Typed interface {
	EventType() event.Type
}

// Callback is a user-supplied handler for one event payload shape.
type Callback[Ev Typed] func(ctx context.Context, evt Ev, hctx Context) error

// erasedHandler is the type-erased entry the registry actually stores: it
// owns its own deserialization step so Dispatch can fan one raw payload
// out to handlers expecting different concrete shapes (spec §9).
type erasedHandler interface {
	invoke(ctx context.Context, raw *event.Event, hctx Context) error
}

type typedHandler[Ev Typed] struct {
	cb Callback[Ev]
}

func (h typedHandler[Ev]) invoke(ctx context.Context, raw *event.Event, hctx Context) error {
	var payload Ev
	data, err := json.Marshal(raw.Content.Raw)
	if err != nil {
		return merrors.Wrap(merrors.Other, "handler.typedHandler.invoke", err)
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return merrors.Wrap(merrors.Other, "handler.typedHandler.invoke", err)
	}
	return h.cb(ctx, payload, hctx)
}

// Registry is the type-indexed handler set (C7).
type Registry struct {
	log      zerolog.Logger
	handlers map[string][]erasedHandler
}

// NewRegistry constructs an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{log: log, handlers: make(map[string][]erasedHandler)}
}

// Register adds cb as a handler for Ev's static event type. Fails with
// Kind EventType if Ev reports an empty type (spec §4.7: "Insertion fails
// with EventType when TYPE is absent").
func Register[Ev Typed](r *Registry, cb Callback[Ev]) error {
	const op = "handler.Register"
	var zero Ev
	t := zero.EventType()
	if t.Type == "" {
		return merrors.New(merrors.EventType, op)
	}
	r.handlers[t.Type] = append(r.handlers[t.Type], typedHandler[Ev]{cb: cb})
	return nil
}

// Dispatch fans raw out to every handler registered under its event type,
// sequentially. A handler that fails to deserialize is logged and skipped;
// a callback error is logged and its sibling handlers still run (spec
// §4.7/§7: "one bad handler must not drop sibling handlers").
func (r *Registry) Dispatch(ctx context.Context, raw *event.Event) error {
	hctx := Context{RoomID: raw.RoomID, SenderID: raw.Sender}
	if raw.StateKey != nil {
		hctx.StateKey = *raw.StateKey
	}
	for _, h := range r.handlers[raw.Type.Type] {
		if err := h.invoke(ctx, raw, hctx); err != nil {
			r.log.Error().Err(err).
				Str("event_type", raw.Type.Type).
				Str("event_id", raw.ID.String()).
				Msg("event handler failed")
		}
	}
	return nil
}
