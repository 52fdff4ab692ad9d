package crypto

import (
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestOutboxDrainMovesRequestsToInflight(t *testing.T) {
	o := newOutbox()
	o.enqueue(KeysUpload, event.Type{}, "", "", nil)
	o.enqueue(KeysClaim, event.Type{}, "", "", nil)

	drained := o.drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained requests, got %d", len(drained))
	}
	if len(o.pending) != 0 {
		t.Fatalf("expected pending to be emptied after drain, got %d", len(o.pending))
	}
	if len(o.inflight) != 2 {
		t.Fatalf("expected 2 inflight requests after drain, got %d", len(o.inflight))
	}

	// a second drain before anything settles must return nothing new.
	if again := o.drain(); len(again) != 0 {
		t.Fatalf("expected second drain to be empty, got %d", len(again))
	}
}

func TestOutboxSettleRemovesFromInflight(t *testing.T) {
	o := newOutbox()
	req := o.enqueue(ToDevice, event.EventMessage, "txn-1", id.RoomID("!room:example.org"), map[string]string{"k": "v"})
	o.drain()

	settled, ok := o.settle(req.ID)
	if !ok {
		t.Fatalf("expected settle to find request %s", req.ID)
	}
	if settled.Kind != ToDevice || settled.TxnID != "txn-1" {
		t.Fatalf("settled request mismatch: %+v", settled)
	}
	if _, ok := o.settle(req.ID); ok {
		t.Fatalf("expected second settle of the same request to fail")
	}
}

func TestOutboxSettleUnknownRequestFails(t *testing.T) {
	o := newOutbox()
	if _, ok := o.settle("req-does-not-exist"); ok {
		t.Fatalf("expected settle of an unknown request id to fail")
	}
}

func TestRequestKindString(t *testing.T) {
	cases := map[RequestKind]string{
		KeysQuery:       "keys_query",
		KeysUpload:      "keys_upload",
		KeysClaim:       "keys_claim",
		ToDevice:        "to_device",
		SignatureUpload: "signature_upload",
		RoomMessage:     "room_message",
		RequestKind(99): "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("RequestKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestRequestIDsAreUniqueAndOrdered(t *testing.T) {
	o := newOutbox()
	first := o.enqueue(KeysUpload, event.Type{}, "", "", nil)
	second := o.enqueue(KeysUpload, event.Type{}, "", "", nil)
	if first.ID == second.ID {
		t.Fatalf("expected distinct request ids, got %q twice", first.ID)
	}
}
