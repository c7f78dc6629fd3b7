package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tankfarm/gateway/internal/alarm"
	"github.com/tankfarm/gateway/internal/co2"
	"github.com/tankfarm/gateway/internal/config"
	"github.com/tankfarm/gateway/internal/familyloader"
	"github.com/tankfarm/gateway/internal/livecache"
	"github.com/tankfarm/gateway/internal/logging"
)

const testRegisterMap = `{
	"schema_ver": 1,
	"byte_order": "BE",
	"word_order": "ABCD",
	"blocks": [{"name": "b1", "fn": 3, "start": 0, "len": 1}],
	"points": {"ph": {"addr": 0, "type": "u16"}}
}`

func newTestServer(t *testing.T, authEnabled bool) (*Server, string) {
	t.Helper()
	configDir := t.TempDir()
	logDir := t.TempDir()

	os.WriteFile(filepath.Join(configDir, "registerMap.json"), []byte(testRegisterMap), 0644)
	os.WriteFile(filepath.Join(configDir, "registerMap.bmm.json"), []byte(testRegisterMap), 0644)
	os.WriteFile(filepath.Join(configDir, "tankConfig.json"), []byte(`{"T1": "10.0.0.1"}`), 0644)

	loader := familyloader.New(configDir, logging.New("test"))
	loader.EnableCtrlFilter = false
	loader.Reload()

	cache := livecache.New()
	cache.Update("T1", "ctrl", "10.0.0.1", time.Now().UTC(), "ok", map[string]float64{"ph": 7.1})

	doc := config.DefaultDocument()
	engine := alarm.New(doc, time.Hour, nil, logging.New("test"))

	co2Hints, _ := co2.Load(filepath.Join(configDir, "co2Config.json"))

	passwordHash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	srv := NewServer(Deps{
		Cache:            cache,
		Alarm:            engine,
		Loader:           loader,
		CO2:              co2Hints,
		Log:              logging.New("test"),
		LogDir:           logDir,
		ConfigDir:        configDir,
		ThresholdsPath:   filepath.Join(configDir, "alarmConfig.json"),
		AuthEnabled:      authEnabled,
		AuthUser:         "admin",
		AuthPasswordHash: string(passwordHash),
		HSTSDisable:      true,
	}, "127.0.0.1:0")
	return srv, logDir
}

func doRequest(srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.newRouter().ServeHTTP(rec, req)
	return rec
}

func TestHandleSnapshots_returnsFlattenedCache(t *testing.T) {
	srv, _ := newTestServer(t, false)
	rec := doRequest(srv, http.MethodGet, "/api/snapshots", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Contains(t, out, "T1")
	assert.Equal(t, "ok", out["T1"]["qc"])
}

func TestHandleSnapshot_unknownTankReturns404(t *testing.T) {
	srv, _ := newTestServer(t, false)
	rec := doRequest(srv, http.MethodGet, "/api/snapshots/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTanks_joinsEnableMap(t *testing.T) {
	srv, _ := newTestServer(t, false)
	os.WriteFile(filepath.Join(srv.deps.ConfigDir, "enableMap.json"), []byte(`{"T1": true}`), 0644)

	rec := doRequest(srv, http.MethodGet, "/api/tanks", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var tanks []tankInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tanks))
	require.Len(t, tanks, 1)
	require.NotNil(t, tanks[0].Enable)
	assert.True(t, *tanks[0].Enable)
}

func TestHandleSetEnableMap_rejectsNonBooleanAndTriggersReload(t *testing.T) {
	srv, _ := newTestServer(t, false)
	rec := doRequest(srv, http.MethodPost, "/api/enable", map[string]interface{}{"T1": "yes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/enable", map[string]bool{"T1": true})
	assert.Equal(t, http.StatusOK, rec.Code)

	data, err := os.ReadFile(filepath.Join(srv.deps.ConfigDir, "enableMap.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "T1")
}

func TestHandleThresholds_getAndSet(t *testing.T) {
	srv, _ := newTestServer(t, false)

	rec := doRequest(srv, http.MethodGet, "/api/alarms/thresholds", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := thresholdsRequest{
		PH:           config.Bounds{Low: 6.0, High: 8.5},
		Temp:         config.Bounds{Low: 10, High: 35},
		Connectivity: &config.ConnectivityToggle{QCAlarmsEnabled: true},
	}
	rec = doRequest(srv, http.MethodPost, "/api/alarms/thresholds", req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var doc config.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, 6.0, doc.PH.Low)
}

func TestHandleThresholds_rejectsInvalidBounds(t *testing.T) {
	srv, _ := newTestServer(t, false)
	req := thresholdsRequest{PH: config.Bounds{Low: 10, High: 1}, Temp: config.Bounds{Low: 0, High: 40}}
	rec := doRequest(srv, http.MethodPost, "/api/alarms/thresholds", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleThresholds_omittedConnectivityDefaultsToEnabled(t *testing.T) {
	srv, _ := newTestServer(t, false)
	body := `{"ph":{"low":6,"high":8.5},"temp":{"low":10,"high":35}}`
	req := httptest.NewRequest(http.MethodPost, "/api/alarms/thresholds", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.newRouter().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var doc config.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.True(t, doc.Connectivity.QCAlarmsEnabled, "omitting connectivity must default qcAlarmsEnabled to true, not zero-value false")
}

func TestWriteEndpoint_requiresAuthWhenEnabled(t *testing.T) {
	srv, _ := newTestServer(t, true)
	rec := doRequest(srv, http.MethodPost, "/api/enable", map[string]bool{"T1": true})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleLogin_wrongCredentialsRejected(t *testing.T) {
	srv, _ := newTestServer(t, true)
	rec := doRequest(srv, http.MethodPost, "/login", loginRequest{Username: "admin", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleLogin_disabledReturnsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t, false)
	rec := doRequest(srv, http.MethodPost, "/login", loginRequest{Username: "admin", Password: "s3cret"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCO2_defaultsToZeroWhenUnconfigured(t *testing.T) {
	srv, _ := newTestServer(t, false)
	rec := doRequest(srv, http.MethodGet, "/api/co2/T1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var out map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 0.0, out["lpm"])
}

func TestHandleLogDownload_rejectsPathTraversal(t *testing.T) {
	srv, logDir := newTestServer(t, false)

	// A real secret file living next to LogDir, outside it, must never
	// be reachable via a traversal query.
	outsideDir := filepath.Dir(logDir)
	os.WriteFile(filepath.Join(outsideDir, "secret.ndjson"), []byte("top secret"), 0644)

	rec := doRequest(srv, http.MethodGet, "/api/logs/download?name=../secret.ndjson", nil)

	// filepath.Base collapses "../secret.ndjson" down to "secret.ndjson"
	// before it is ever joined with LogDir, so the traversal segment
	// cannot escape LogDir; the file is looked up inside LogDir instead,
	// where it doesn't exist.
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "top secret")
}

func TestHandleLogDownload_servesExistingFile(t *testing.T) {
	srv, logDir := newTestServer(t, false)
	os.WriteFile(filepath.Join(logDir, "telemetry-ctrl-site1-T1-2026-01-01.ndjson"), []byte(`{"ph":7.1}`+"\n"), 0644)

	rec := doRequest(srv, http.MethodGet, "/api/logs/download?name=telemetry-ctrl-site1-T1-2026-01-01.ndjson", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ph":7.1`)
}

func TestHandleLogFiles_listsOnlyNdjson(t *testing.T) {
	srv, logDir := newTestServer(t, false)
	os.WriteFile(filepath.Join(logDir, "telemetry-ctrl-site1-T1-2026-01-01.ndjson"), []byte("{}\n"), 0644)
	os.WriteFile(filepath.Join(logDir, "ignored.txt"), []byte("x"), 0644)

	rec := doRequest(srv, http.MethodGet, "/api/logs/files", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.Equal(t, []string{"telemetry-ctrl-site1-T1-2026-01-01.ndjson"}, names)
}
