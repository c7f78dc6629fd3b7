package logwriter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// whitelistCache loads per-family log-point whitelists from
// logPoints.<family>.json, falling back to logPoints.json, and caches
// the result after first load (spec.md §4.5).
type whitelistCache struct {
	dir string

	mu     sync.Mutex
	cached map[string][]string
}

func newWhitelistCache(dir string) *whitelistCache {
	return &whitelistCache{dir: dir, cached: make(map[string][]string)}
}

func (c *whitelistCache) get(family string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if names, ok := c.cached[family]; ok {
		return names
	}

	names := c.load(family)
	c.cached[family] = names
	return names
}

func (c *whitelistCache) load(family string) []string {
	specific := filepath.Join(c.dir, "logPoints."+family+".json")
	if names, err := readWhitelist(specific); err == nil {
		return names
	}
	fallback := filepath.Join(c.dir, "logPoints.json")
	if names, err := readWhitelist(fallback); err == nil {
		return names
	}
	return nil
}

func readWhitelist(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, err
	}
	return names, nil
}
