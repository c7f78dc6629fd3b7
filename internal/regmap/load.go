package regmap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a register map file (spec.md §6). The
// format is chosen by extension: `.yaml`/`.yml` is parsed as YAML for
// operator-authored overrides, anything else as JSON, the wire format
// used by the existing device-config files.
//
// Validation invariant (spec.md §3): every point must lie entirely
// within exactly one block — addr..addr+width-1 must be a subset of
// exactly one block's start..start+len-1 span. A point straddling two
// blocks, spanning none, or matching more than one block is a load-time
// error (spec.md §7, config errors are fatal at load).
func Load(path string) (*RegisterMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("regmap: read %s: %w", path, err)
	}
	if isYAMLPath(path) {
		return ParseYAML(data)
	}
	return Parse(data)
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Parse validates and builds a RegisterMap from raw JSON bytes.
func Parse(data []byte) (*RegisterMap, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("regmap: parse: %w", err)
	}
	return build(doc)
}

// ParseYAML validates and builds a RegisterMap from raw YAML bytes.
func ParseYAML(data []byte) (*RegisterMap, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("regmap: parse yaml: %w", err)
	}
	return build(doc)
}

func build(doc document) (*RegisterMap, error) {
	if doc.ByteOrder != BE && doc.ByteOrder != LE {
		return nil, fmt.Errorf("regmap: invalid byte_order %q", doc.ByteOrder)
	}
	if doc.WordOrder != ABCD && doc.WordOrder != CDAB {
		return nil, fmt.Errorf("regmap: invalid word_order %q", doc.WordOrder)
	}
	for _, b := range doc.Blocks {
		if b.FC != 3 {
			return nil, fmt.Errorf("regmap: block %q: only fn=3 is supported, got %d", b.Name, b.FC)
		}
		if b.Len <= 0 {
			return nil, fmt.Errorf("regmap: block %q: len must be > 0", b.Name)
		}
	}

	pointBlock := make(map[string]Block, len(doc.Points))
	for name, p := range doc.Points {
		switch p.Type {
		case U16, I16, U32, I32, Float32:
		default:
			return nil, fmt.Errorf("regmap: point %q: invalid type %q", name, p.Type)
		}

		var match *Block
		for i := range doc.Blocks {
			b := doc.Blocks[i]
			if p.Addr >= b.Start && p.end() <= b.end() {
				if match != nil {
					return nil, fmt.Errorf("regmap: point %q matches more than one block (%q and %q)", name, match.Name, b.Name)
				}
				bCopy := b
				match = &bCopy
			}
		}
		if match == nil {
			return nil, fmtAddrErr(name, p)
		}
		pointBlock[name] = *match
	}

	rm := &RegisterMap{
		schemaVer:  doc.SchemaVer,
		byteOrder:  doc.ByteOrder,
		wordOrder:  doc.WordOrder,
		blocks:     doc.Blocks,
		points:     doc.Points,
		pointBlock: pointBlock,
	}
	return rm, nil
}
