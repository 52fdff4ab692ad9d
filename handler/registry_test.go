package handler

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

type pingPayload struct {
	Message string `json:"message"`
}

func (pingPayload) EventType() event.Type { return event.Type{Type: "dev.example.ping"} }

func TestDispatchInvokesAllHandlersForType(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	var calls []string
	if err := Register(r, func(_ context.Context, p pingPayload, _ Context) error {
		calls = append(calls, "first:"+p.Message)
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(r, func(_ context.Context, p pingPayload, _ Context) error {
		calls = append(calls, "second:"+p.Message)
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	raw := &event.Event{
		Type:   event.Type{Type: "dev.example.ping"},
		RoomID: "!r:h",
		Sender: "@a:h",
	}
	raw.Content.Raw = map[string]any{"message": "hello"}

	if err := r.Dispatch(context.Background(), raw); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(calls) != 2 || calls[0] != "first:hello" || calls[1] != "second:hello" {
		t.Fatalf("unexpected call order: %v", calls)
	}
}

func TestDispatchSwallowsCallbackErrorsAndContinues(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	var secondRan bool
	_ = Register(r, func(context.Context, pingPayload, Context) error {
		return errBoom
	})
	_ = Register(r, func(context.Context, pingPayload, Context) error {
		secondRan = true
		return nil
	})

	raw := &event.Event{Type: event.Type{Type: "dev.example.ping"}}
	raw.Content.Raw = map[string]any{}
	if err := r.Dispatch(context.Background(), raw); err != nil {
		t.Fatalf("Dispatch should swallow handler errors, got %v", err)
	}
	if !secondRan {
		t.Fatalf("sibling handler should still run after a failing handler")
	}
}

func TestDispatchIgnoresUnregisteredType(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	raw := &event.Event{Type: event.Type{Type: "dev.example.unknown"}}
	if err := r.Dispatch(context.Background(), raw); err != nil {
		t.Fatalf("unexpected error for unregistered type: %v", err)
	}
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }
