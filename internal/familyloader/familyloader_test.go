package familyloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tankfarm/gateway/internal/logging"
)

const testRegisterMap = `{
	"schema_ver": 1,
	"byte_order": "BE",
	"word_order": "ABCD",
	"blocks": [{"name": "b1", "fn": 3, "start": 0, "len": 2}],
	"points": {"ph": {"addr": 0, "type": "u16"}}
}`

func writeConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "registerMap.json"), []byte(testRegisterMap), 0644)
	os.WriteFile(filepath.Join(dir, "registerMap.bmm.json"), []byte(testRegisterMap), 0644)
	return dir
}

func TestDeviceEntry_unmarshalsBareStringAndObject(t *testing.T) {
	dir := writeConfigDir(t)
	os.WriteFile(filepath.Join(dir, "tankConfig.json"), []byte(`{
		"T1": "10.0.0.1",
		"T2": {"ip": "10.0.0.2", "unitId": 5}
	}`), 0644)

	l := New(dir, logging.New("test"))
	l.EnableCtrlFilter = false
	l.Reload()

	families := l.Families()
	var ctrl *Family
	for _, f := range families {
		if f.ID == "ctrl" {
			ctrl = f
		}
	}
	if ctrl == nil {
		t.Fatal("expected a ctrl family to be loaded")
	}
	byTank := map[string]Device{}
	for _, d := range ctrl.Devices {
		byTank[d.TankID] = d
	}
	if byTank["T1"].UnitID != 1 {
		t.Errorf("T1 unitID = %d, want default 1", byTank["T1"].UnitID)
	}
	if byTank["T2"].UnitID != 5 {
		t.Errorf("T2 unitID = %d, want 5", byTank["T2"].UnitID)
	}
	if byTank["T2"].IP != "10.0.0.2" {
		t.Errorf("T2 ip = %q, want 10.0.0.2", byTank["T2"].IP)
	}
}

func TestLoader_enableMapFiltersCtrlFamilyOnly(t *testing.T) {
	dir := writeConfigDir(t)
	os.WriteFile(filepath.Join(dir, "tankConfig.json"), []byte(`{"T1": "10.0.0.1", "T2": "10.0.0.2"}`), 0644)
	os.WriteFile(filepath.Join(dir, "enableMap.json"), []byte(`{"T1": true, "T2": false}`), 0644)

	l := New(dir, logging.New("test")) // EnableCtrlFilter defaults true
	l.Reload()

	families := l.Families()
	var ctrl *Family
	for _, f := range families {
		if f.ID == "ctrl" {
			ctrl = f
		}
	}
	if ctrl == nil {
		t.Fatal("expected a ctrl family")
	}
	if len(ctrl.Devices) != 1 || ctrl.Devices[0].TankID != "T1" {
		t.Errorf("ctrl devices = %+v, want only T1", ctrl.Devices)
	}
}

func TestLoader_reloadRetainsPreviousFamilyOnParseFailure(t *testing.T) {
	dir := writeConfigDir(t)
	os.WriteFile(filepath.Join(dir, "tankConfig.json"), []byte(`{"T1": "10.0.0.1"}`), 0644)

	l := New(dir, logging.New("test"))
	l.EnableCtrlFilter = false
	l.Reload()

	if len(l.Families()) == 0 {
		t.Fatal("expected an initial ctrl family to load")
	}

	os.WriteFile(filepath.Join(dir, "tankConfig.json"), []byte(`not valid json`), 0644)
	l.Reload()

	families := l.Families()
	var ctrl *Family
	for _, f := range families {
		if f.ID == "ctrl" {
			ctrl = f
		}
	}
	if ctrl == nil || len(ctrl.Devices) != 1 {
		t.Errorf("expected the previous ctrl family to be retained after a bad reload, got %+v", ctrl)
	}
}

func TestLoader_zeroDevicesExcludesFamily(t *testing.T) {
	dir := writeConfigDir(t)
	os.WriteFile(filepath.Join(dir, "tankConfig.json"), []byte(`{}`), 0644)

	l := New(dir, logging.New("test"))
	l.EnableCtrlFilter = false
	l.Reload()

	for _, f := range l.Families() {
		if f.ID == "ctrl" {
			t.Errorf("expected the ctrl family to be excluded when it has zero devices")
		}
	}
}

func TestLoader_yamlSiblingFileIsAccepted(t *testing.T) {
	dir := writeConfigDir(t)
	os.WriteFile(filepath.Join(dir, "utilityConfig.yaml"), []byte("U1: 10.0.0.9\n"), 0644)

	l := New(dir, logging.New("test"))
	l.Reload()

	var util *Family
	for _, f := range l.Families() {
		if f.ID == "util" {
			util = f
		}
	}
	if util == nil {
		t.Fatal("expected the util family to load from the YAML sibling")
	}
	if len(util.Devices) != 1 || util.Devices[0].IP != "10.0.0.9" {
		t.Errorf("util devices = %+v, want one device at 10.0.0.9", util.Devices)
	}
}

func TestLoader_registerMapIsCachedAcrossReloads(t *testing.T) {
	dir := writeConfigDir(t)
	os.WriteFile(filepath.Join(dir, "tankConfig.json"), []byte(`{"T1": "10.0.0.1"}`), 0644)

	l := New(dir, logging.New("test"))
	l.EnableCtrlFilter = false
	l.Reload()

	rm1, err := l.registerMapFor("registerMap.json")
	if err != nil {
		t.Fatalf("registerMapFor: %v", err)
	}
	rm2, err := l.registerMapFor("registerMap.json")
	if err != nil {
		t.Fatalf("registerMapFor (second call): %v", err)
	}
	if rm1 != rm2 {
		t.Error("expected the same *RegisterMap pointer to be returned from cache")
	}
}
