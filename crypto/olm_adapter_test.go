package crypto

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// fakeRoomLookup reports every room as unknown, which is all NewOlmAdapter's
// construction path touches.
type fakeRoomLookup struct{}

func (fakeRoomLookup) RoomEncrypted(id.RoomID) (bool, bool)   { return false, false }
func (fakeRoomLookup) RoomMembers(id.RoomID) ([]id.UserID, bool) { return nil, false }

// newTestOlmAdapter spins up a homeserver stub answering every request with
// an empty JSON object and wires a fresh in-memory crypto store against it,
// matching the teacher's CryptoHelper.Init use of dbutil.NewWithDialect.
func newTestOlmAdapter(t *testing.T, handler http.HandlerFunc) (*OlmAdapter, *int32) {
	t.Helper()
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if handler != nil {
			handler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	client, err := mautrix.NewClient(server.URL, "@alice:example.org", "as-token")
	if err != nil {
		t.Fatalf("mautrix.NewClient: %v", err)
	}

	db, err := dbutil.NewWithDialect(":memory:", "sqlite3")
	if err != nil {
		t.Fatalf("dbutil.NewWithDialect: %v", err)
	}

	pickleKey := make([]byte, 32)
	a, err := NewOlmAdapter(t.Context(), OlmAdapterConfig{
		Client:     client,
		DB:         db,
		AccountID:  "@alice:example.org",
		PickleKey:  pickleKey,
		DeviceID:   "DEVICE1",
		RoomLookup: fakeRoomLookup{},
		Log:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewOlmAdapter: %v", err)
	}
	return a, &requests
}

func TestNewOlmAdapterUploadsKeysOverRealClient(t *testing.T) {
	var sawKeysUpload bool
	a, requests := newTestOlmAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "keys/upload") {
			sawKeysUpload = true
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})

	if atomic.LoadInt32(requests) == 0 {
		t.Fatalf("expected NewOlmAdapter to perform at least one real homeserver request during construction")
	}
	if !sawKeysUpload {
		t.Fatalf("expected a keys/upload request from mach.ShareKeys, saw none")
	}

	// The outbox is never populated by construction: ShareKeys performed
	// the real upload itself over mach's own embedded client rather than
	// leaving anything behind for this adapter to dispatch later.
	got, err := a.OutgoingRequests(t.Context())
	if err != nil {
		t.Fatalf("OutgoingRequests: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no outgoing requests after construction, got %d", len(got))
	}
}

func TestNewOlmAdapterPropagatesHomeserverErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN","error":"boom"}`))
	}))
	defer server.Close()

	client, err := mautrix.NewClient(server.URL, "@bob:example.org", "as-token")
	if err != nil {
		t.Fatalf("mautrix.NewClient: %v", err)
	}
	db, err := dbutil.NewWithDialect(":memory:", "sqlite3")
	if err != nil {
		t.Fatalf("dbutil.NewWithDialect: %v", err)
	}

	_, err = NewOlmAdapter(t.Context(), OlmAdapterConfig{
		Client:     client,
		DB:         db,
		AccountID:  "@bob:example.org",
		PickleKey:  make([]byte, 32),
		DeviceID:   "DEVICE1",
		RoomLookup: fakeRoomLookup{},
		Log:        zerolog.Nop(),
	})
	if err == nil {
		t.Fatalf("expected NewOlmAdapter to fail when the homeserver rejects the real keys/upload call")
	}
}
