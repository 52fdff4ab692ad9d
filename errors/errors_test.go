package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapNil(t *testing.T) {
	if Wrap(IO, "op", nil) != nil {
		t.Fatalf("Wrap with nil cause should return nil")
	}
}

func TestKindOfUnwrapsChain(t *testing.T) {
	base := New(RoomNotEncrypted, "encrypt")
	outer := fmt.Errorf("outer: %w", base)
	if KindOf(outer) != RoomNotEncrypted {
		t.Fatalf("expected RoomNotEncrypted, got %v", KindOf(outer))
	}
}

func TestKindOfDefaultsToOther(t *testing.T) {
	if KindOf(stderrors.New("plain")) != Other {
		t.Fatalf("expected Other for a plain error")
	}
}

func TestErrCodeShape(t *testing.T) {
	code := ErrCode("myappservice", http.StatusNotFound)
	want := "NL.SPACEBASED.MYAPPSERVICE_NOT_FOUND"
	if code != want {
		t.Fatalf("got %q, want %q", code, want)
	}
}

func TestErrCodeReflectsGivenStatusNotKindDefault(t *testing.T) {
	// A 401 reported with a kind whose own Status() is 500 must still
	// render UNAUTHORIZED, since ErrCode derives the reason from the
	// status actually being written, not from the kind's default mapping.
	if got := Other.Status(); got != http.StatusInternalServerError {
		t.Fatalf("expected Other.Status() to default to 500, got %d", got)
	}
	code := ErrCode("myappservice", http.StatusUnauthorized)
	want := "NL.SPACEBASED.MYAPPSERVICE_UNAUTHORIZED"
	if code != want {
		t.Fatalf("got %q, want %q", code, want)
	}
}
