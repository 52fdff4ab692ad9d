package hsclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDeviceIDQueryMasquerading(t *testing.T) {
	p := &Puppet{deviceID: "DEVICE1"}
	q := p.deviceIDQuery()
	if q[msc3202DeviceIDParam] != "DEVICE1" {
		t.Fatalf("expected device id query param, got %v", q)
	}

	p2 := &Puppet{}
	if q2 := p2.deviceIDQuery(); q2 != nil {
		t.Fatalf("expected nil query for puppet without a device, got %v", q2)
	}
}

func TestPingAppserviceHitsExpectedPath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if got := r.Header.Get("Authorization"); got != "Bearer as-secret" {
			t.Errorf("unexpected Authorization header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c, err := New(server.URL, "myappservice", "as-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.PingAppservice(t.Context(), "myappservice", "txn1"); err != nil {
		t.Fatalf("PingAppservice: %v", err)
	}
	if !strings.Contains(gotPath, "/appservice/myappservice/ping") {
		t.Fatalf("unexpected ping path: %s", gotPath)
	}
}
