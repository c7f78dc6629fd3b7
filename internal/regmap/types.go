// Package regmap loads a JSON register map and decodes raw Modbus
// holding-register buffers into named telemetry points, per spec.md
// §4.1. It also plans (but never issues) register writes, leaving the
// actual wire write to the modbus transport.
package regmap

import "fmt"

// ByteOrder selects which byte comes first within a 16-bit register.
type ByteOrder string

const (
	BE ByteOrder = "BE"
	LE ByteOrder = "LE"
)

// WordOrder selects the register order for 32-bit quantities.
type WordOrder string

const (
	ABCD WordOrder = "ABCD"
	CDAB WordOrder = "CDAB"
)

// PointType is the wire representation of a decoded point.
type PointType string

const (
	U16     PointType = "u16"
	I16     PointType = "i16"
	U32     PointType = "u32"
	I32     PointType = "i32"
	Float32 PointType = "float32"
)

// Width returns the point's width in 16-bit registers.
func (t PointType) Width() int {
	switch t {
	case U16, I16:
		return 1
	default:
		return 2
	}
}

// Block describes a contiguous FC3 (Read Holding Registers) request.
type Block struct {
	Name  string `json:"name" yaml:"name"`
	FC    int    `json:"fn" yaml:"fn"`
	Start int    `json:"start" yaml:"start"`
	Len   int    `json:"len" yaml:"len"`
}

// end returns the last address covered by the block, inclusive.
func (b Block) end() int { return b.Start + b.Len - 1 }

// PointDef declares how to decode one named scalar from a block.
type PointDef struct {
	Addr       int         `json:"addr" yaml:"addr"`
	Type       PointType   `json:"type" yaml:"type"`
	Scale      *float64    `json:"scale,omitempty" yaml:"scale,omitempty"`
	Offset     *float64    `json:"offset,omitempty" yaml:"offset,omitempty"`
	ByteOrder  *ByteOrder  `json:"byte_order,omitempty" yaml:"byte_order,omitempty"`
	WordOrder  *WordOrder  `json:"word_order,omitempty" yaml:"word_order,omitempty"`
	SafeBounds *[2]float64 `json:"safe_bounds,omitempty" yaml:"safe_bounds,omitempty"`
	Deadband   *float64    `json:"deadband,omitempty" yaml:"deadband,omitempty"`
	ReadOnly   bool        `json:"ro,omitempty" yaml:"ro,omitempty"`
}

func (p PointDef) end() int { return p.Addr + p.Type.Width() - 1 }

// document is the on-disk shape (spec.md §6), decodable from either
// JSON (the wire format used by existing device-config files) or YAML
// (an operator-authored alternative, per the teacher's pervasive
// yaml struct-tag convention).
type document struct {
	SchemaVer int                 `json:"schema_ver" yaml:"schema_ver"`
	ByteOrder ByteOrder           `json:"byte_order" yaml:"byte_order"`
	WordOrder WordOrder           `json:"word_order" yaml:"word_order"`
	Blocks    []Block             `json:"blocks" yaml:"blocks"`
	Points    map[string]PointDef `json:"points" yaml:"points"`
}

// RegisterMap is immutable after Load.
type RegisterMap struct {
	schemaVer int
	byteOrder ByteOrder
	wordOrder WordOrder
	blocks    []Block
	points    map[string]PointDef

	// pointBlock maps a point name to the block that contains it,
	// resolved once at load time so Decode never has to search.
	pointBlock map[string]Block
}

// SchemaVer returns the loaded map's schema version.
func (r *RegisterMap) SchemaVer() int { return r.schemaVer }

// GetBlocks returns a shallow-cloned list of declared blocks, in
// declared order, per spec.md §4.1 `getBlocks()`.
func (r *RegisterMap) GetBlocks() []Block {
	out := make([]Block, len(r.blocks))
	copy(out, r.blocks)
	return out
}

// Point returns the point definition by name, and whether it exists.
func (r *RegisterMap) Point(name string) (PointDef, bool) {
	p, ok := r.points[name]
	return p, ok
}

// PointNames returns every declared point name.
func (r *RegisterMap) PointNames() []string {
	out := make([]string, 0, len(r.points))
	for name := range r.points {
		out = append(out, name)
	}
	return out
}

func fmtAddrErr(pointName string, p PointDef) error {
	return fmt.Errorf("regmap: point %q (addr=%d width=%d) is not fully contained in exactly one declared block", pointName, p.Addr, p.Type.Width())
}
