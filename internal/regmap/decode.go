package regmap

import "math"

// DecodePointsFromBlocks decodes every declared point against the given
// block buffers (block name -> raw bytes, exactly len*2 bytes each).
//
// Decoding never aborts the whole frame (spec.md §4.1, §7): a point
// whose block buffer is missing, too short, or whose byte/word-order
// combination cannot be applied is simply omitted from the result
// rather than causing an error.
func (r *RegisterMap) DecodePointsFromBlocks(blockBuffers map[string][]byte) map[string]float64 {
	out := make(map[string]float64, len(r.points))
	for name, p := range r.points {
		block, ok := r.pointBlock[name]
		if !ok {
			continue
		}
		buf, ok := blockBuffers[block.Name]
		if !ok {
			continue
		}
		v, ok := decodePoint(buf, block, p, r.byteOrder, r.wordOrder)
		if !ok {
			continue
		}
		if p.Scale != nil || p.Offset != nil {
			scale := 1.0
			if p.Scale != nil {
				scale = *p.Scale
			}
			offset := 0.0
			if p.Offset != nil {
				offset = *p.Offset
			}
			v = v*scale + offset
		}
		out[name] = v
	}
	return out
}

// decodePoint locates the point's bytes within buf and interprets them
// per spec.md §4.1: byteIndex = (addr - block.start) * 2, per-point
// order overrides the map's global order, and 32-bit values swap the
// hi/lo words first when word_order=CDAB before reading as a single
// quantity in the selected byte order.
func decodePoint(buf []byte, block Block, p PointDef, globalByte ByteOrder, globalWord WordOrder) (float64, bool) {
	byteOrder := globalByte
	if p.ByteOrder != nil {
		byteOrder = *p.ByteOrder
	}
	wordOrder := globalWord
	if p.WordOrder != nil {
		wordOrder = *p.WordOrder
	}

	byteIndex := (p.Addr - block.Start) * 2
	width := p.Type.Width()
	needed := width * 2
	if byteIndex < 0 || byteIndex+needed > len(buf) {
		return 0, false
	}
	raw := buf[byteIndex : byteIndex+needed]

	switch p.Type {
	case U16:
		return float64(readU16(raw, byteOrder)), true
	case I16:
		return float64(int16(readU16(raw, byteOrder))), true
	case U32, I32, Float32:
		w0 := raw[0:2]
		w1 := raw[2:4]
		if wordOrder == CDAB {
			w0, w1 = w1, w0
		}
		hi := readU16(w0, byteOrder)
		lo := readU16(w1, byteOrder)
		bits := uint32(hi)<<16 | uint32(lo)
		switch p.Type {
		case U32:
			return float64(bits), true
		case I32:
			return float64(int32(bits)), true
		case Float32:
			return float64(math.Float32frombits(bits)), true
		}
	}
	return 0, false
}

// readU16 reads a single 16-bit register from a 2-byte slice using the
// given byte order.
func readU16(b []byte, order ByteOrder) uint16 {
	if order == LE {
		return uint16(b[1])<<8 | uint16(b[0])
	}
	return uint16(b[0])<<8 | uint16(b[1])
}
