package mirror

import (
	"testing"

	"github.com/tankfarm/gateway/internal/livecache"
	"github.com/tankfarm/gateway/internal/logging"
)

func TestNew_returnsNilWhenAddrEmpty(t *testing.T) {
	m := New(Config{}, logging.New("test"))
	if m != nil {
		t.Fatal("expected New to return nil with an empty address")
	}
}

func TestNilMirror_onUpdateAndCloseAreNoops(t *testing.T) {
	var m *Mirror
	m.OnUpdate("T1", livecache.Snapshot{QC: "ok"}) // must not panic
	if err := m.Close(); err != nil {
		t.Errorf("Close on nil Mirror = %v, want nil", err)
	}
}

func TestNew_appliesTLSConfigWhenRequested(t *testing.T) {
	m := New(Config{Addr: "127.0.0.1:6379", UseTLS: true}, logging.New("test"))
	if m == nil {
		t.Fatal("expected a non-nil Mirror")
	}
	defer m.client.Close()
	if m.client.Options().TLSConfig == nil {
		t.Error("expected TLSConfig to be set when UseTLS is true")
	}
}

func TestOnUpdate_unreachableRedisIsSwallowed(t *testing.T) {
	// Point at a closed local port; OnUpdate must not block the caller
	// or propagate an error since it is a best-effort mirror.
	m := New(Config{Addr: "127.0.0.1:1"}, logging.New("test"))
	defer m.client.Close()
	m.OnUpdate("T1", livecache.Snapshot{QC: "ok", Values: map[string]float64{"ph": 7.0}})
}
