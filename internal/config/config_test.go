package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRuntime_appliesDefaultsWhenUnset(t *testing.T) {
	for _, k := range []string{"SITE_ID", "POLL_CADENCE_MS", "WORKER_CONCURRENCY", "KAFKA_BROKERS"} {
		os.Unsetenv(k)
	}
	rt := LoadRuntime()
	if rt.SiteID != "site1" {
		t.Errorf("SiteID = %q, want site1", rt.SiteID)
	}
	if rt.PollCadence != 60*time.Second {
		t.Errorf("PollCadence = %v, want 60s", rt.PollCadence)
	}
	if rt.WorkerConcurrency != 8 {
		t.Errorf("WorkerConcurrency = %d, want 8", rt.WorkerConcurrency)
	}
	if rt.KafkaBrokers != nil {
		t.Errorf("KafkaBrokers = %v, want nil when unset", rt.KafkaBrokers)
	}
}

func TestLoadRuntime_parsesKafkaBrokerList(t *testing.T) {
	os.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092")
	defer os.Unsetenv("KAFKA_BROKERS")

	rt := LoadRuntime()
	want := []string{"broker1:9092", "broker2:9092"}
	if len(rt.KafkaBrokers) != 2 || rt.KafkaBrokers[0] != want[0] || rt.KafkaBrokers[1] != want[1] {
		t.Errorf("KafkaBrokers = %v, want %v", rt.KafkaBrokers, want)
	}
}

func TestLoadRuntime_invalidIntFallsBackToDefault(t *testing.T) {
	os.Setenv("API_PORT", "not-a-number")
	defer os.Unsetenv("API_PORT")

	rt := LoadRuntime()
	if rt.APIPort != 8080 {
		t.Errorf("APIPort = %d, want default 8080 on unparseable value", rt.APIPort)
	}
}

func TestDocument_updateRejectsInvertedBounds(t *testing.T) {
	d := DefaultDocument()
	err := d.Update(Bounds{Low: 10, High: 1}, Bounds{Low: 0, High: 40}, ConnectivityToggle{})
	if err == nil {
		t.Fatal("expected an error for low >= high")
	}
}

func TestDocument_updateRejectsNonFiniteBounds(t *testing.T) {
	d := DefaultDocument()
	tests := []Bounds{
		{Low: 5, High: math.Inf(1)},
		{Low: math.Inf(-1), High: 5},
		{Low: math.NaN(), High: 5},
	}
	for _, b := range tests {
		if err := d.Update(b, Bounds{Low: 0, High: 40}, ConnectivityToggle{}); err == nil {
			t.Errorf("Update(ph=%v) = nil, want an error for a non-finite bound", b)
		}
	}
}

func TestDocument_updateNotifiesListeners(t *testing.T) {
	d := DefaultDocument()
	fired := false
	d.AddListener(func() { fired = true })

	if err := d.Update(Bounds{Low: 6, High: 8}, Bounds{Low: 10, High: 30}, ConnectivityToggle{}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !fired {
		t.Error("expected the listener to fire after a successful Update")
	}
}

func TestDocument_removedListenerDoesNotFire(t *testing.T) {
	d := DefaultDocument()
	fired := false
	id := d.AddListener(func() { fired = true })
	d.RemoveListener(id)

	d.Update(Bounds{Low: 6, High: 8}, Bounds{Low: 10, High: 30}, ConnectivityToggle{})
	if fired {
		t.Error("expected a removed listener not to fire")
	}
}

func TestDocument_cloneIsIndependentOfSource(t *testing.T) {
	d := DefaultDocument()
	clone := d.Clone()
	d.Update(Bounds{Low: 1, High: 2}, Bounds{Low: 3, High: 4}, ConnectivityToggle{})

	if clone.PH.Low == d.PH.Low {
		t.Error("clone should have captured the pre-update value")
	}
}

func TestLoadDocument_missingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	d, err := LoadDocument(filepath.Join(dir, "alarmConfig.json"))
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	def := DefaultDocument()
	if d.PH != def.PH || d.Temp != def.Temp {
		t.Errorf("LoadDocument on missing file = %+v, want defaults", d)
	}
}

func TestSaveDocumentThenLoadDocument_roundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "alarmConfig.json")

	d := DefaultDocument()
	d.Update(Bounds{Low: 6.5, High: 8.2}, Bounds{Low: 12, High: 28}, ConnectivityToggle{QCAlarmsEnabled: false})
	if err := SaveDocument(path, d); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	loaded, err := LoadDocument(path)
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if loaded.PH != d.PH || loaded.Temp != d.Temp || loaded.Connectivity != d.Connectivity {
		t.Errorf("round-tripped document = %+v, want %+v", loaded, d)
	}
}

func TestLoadDocument_malformedJSONReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alarmConfig.json")
	os.WriteFile(path, []byte("not json"), 0644)

	if _, err := LoadDocument(path); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}
