package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// timeKeys are tried in order when reading a log row's timestamp, per
// spec.md §9: "New writes emit HST... Readers must try these keys in
// order" — historical rows may carry any of the older key names.
var timeKeys = []string{"ts_utc", "ts_hst", "ts", "ts_local", "time"}

type logPoint struct {
	TsUTC time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// queryLogs scans every daily file matching `*-<tankId>-*.ndjson` under
// dir, extracts field for rows within [from, to] (inclusive), and
// returns them sorted ascending by timestamp (spec.md §4.9, scenario S5).
func queryLogs(dir, tankID, field string, from, to time.Time) ([]logPoint, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*-"+tankID+"-*.ndjson"))
	if err != nil {
		return nil, err
	}

	var out []logPoint
	for _, path := range matches {
		points, err := scanFile(path, field, from, to)
		if err != nil {
			continue // a single bad file must not fail the whole query
		}
		out = append(out, points...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TsUTC.Before(out[j].TsUTC) })
	return out, nil
}

func scanFile(path, field string, from, to time.Time) ([]logPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []logPoint
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row map[string]interface{}
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		ts, ok := rowTimestamp(row)
		if !ok || ts.Before(from) || ts.After(to) {
			continue
		}
		raw, ok := row[field]
		if !ok {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			continue
		}
		out = append(out, logPoint{TsUTC: ts, Value: v})
	}
	return out, scanner.Err()
}

func rowTimestamp(row map[string]interface{}) (time.Time, bool) {
	for _, key := range timeKeys {
		raw, ok := row[key]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (s *Server) handleLogQuery(w http.ResponseWriter, r *http.Request) {
	tankID := r.URL.Query().Get("tankId")
	field := r.URL.Query().Get("field")
	if tankID == "" || field == "" {
		s.writeError(w, http.StatusBadRequest, "tankId and field are required")
		return
	}
	from, err := parseQueryTime(r.URL.Query().Get("from"), time.Unix(0, 0))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseQueryTime(r.URL.Query().Get("to"), time.Now())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	points, err := queryLogs(s.deps.LogDir, tankID, field, from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, points)
}

func parseQueryTime(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// handleLogFiles lists log files present in the log directory, per
// spec.md §4.9 "Log file listing".
func (s *Server) handleLogFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.deps.LogDir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".ndjson") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	s.writeJSON(w, names)
}

// handleLogDownload streams one log file. The requested name is
// basename-sanitized and the resolved path is verified to stay within
// the log directory before opening, per spec.md §4.9 and §7 ("path
// traversal or invalid file -> 400").
func (s *Server) handleLogDownload(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(r.URL.Query().Get("name"))
	if name == "" || name == "." || name == string(filepath.Separator) {
		s.writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}

	dirAbs, err := filepath.Abs(s.deps.LogDir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pathAbs, err := filepath.Abs(filepath.Join(s.deps.LogDir, name))
	if err != nil || !strings.HasPrefix(pathAbs, dirAbs+string(filepath.Separator)) {
		s.writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}

	f, err := os.Open(pathAbs)
	if err != nil {
		if os.IsNotExist(err) {
			s.fail(w, ErrNotFound)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.Copy(w, f); err != nil {
		s.deps.Log.Errorf("stream log download %s: %v", name, err)
	}
}
