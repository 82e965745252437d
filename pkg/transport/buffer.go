package transport

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeBuf serializes the first count elements of buf (a []int32, []byte,
// or []float64 matching typ) to little-endian bytes. Shared by every
// bundled Transport implementation so the wire format is identical whether
// the link is in-process, TCP, or QUIC.
func EncodeBuf(buf any, count int, typ ElemType) ([]byte, error) {
	switch typ {
	case Int32:
		v, ok := buf.([]int32)
		if !ok {
			return nil, fmt.Errorf("transport: buf must be []int32 for Int32, got %T", buf)
		}
		if len(v) < count {
			return nil, fmt.Errorf("transport: buf too short: have %d, need %d", len(v), count)
		}
		out := make([]byte, count*4)
		for i := 0; i < count; i++ {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(v[i]))
		}
		return out, nil
	case Char:
		v, ok := buf.([]byte)
		if !ok {
			return nil, fmt.Errorf("transport: buf must be []byte for Char, got %T", buf)
		}
		if len(v) < count {
			return nil, fmt.Errorf("transport: buf too short: have %d, need %d", len(v), count)
		}
		out := make([]byte, count)
		copy(out, v[:count])
		return out, nil
	case Float64:
		v, ok := buf.([]float64)
		if !ok {
			return nil, fmt.Errorf("transport: buf must be []float64 for Float64, got %T", buf)
		}
		if len(v) < count {
			return nil, fmt.Errorf("transport: buf too short: have %d, need %d", len(v), count)
		}
		out := make([]byte, count*8)
		for i := 0; i < count; i++ {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v[i]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("transport: unknown element type %v", typ)
	}
}

// DecodeBuf fills buf (a []int32, []byte, or []float64 matching typ) from
// little-endian bytes and returns the number of elements actually decoded,
// which may be less than count if data is short — callers detect a short
// read by comparing the returned count.
func DecodeBuf(data []byte, buf any, count int, typ ElemType) (int, error) {
	n := len(data) / typ.Size()
	if n > count {
		n = count
	}
	switch typ {
	case Int32:
		v, ok := buf.([]int32)
		if !ok {
			return 0, fmt.Errorf("transport: buf must be []int32 for Int32, got %T", buf)
		}
		if len(v) < n {
			return 0, fmt.Errorf("transport: buf too short: have %d, need %d", len(v), n)
		}
		for i := 0; i < n; i++ {
			v[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return n, nil
	case Char:
		v, ok := buf.([]byte)
		if !ok {
			return 0, fmt.Errorf("transport: buf must be []byte for Char, got %T", buf)
		}
		if len(v) < n {
			return 0, fmt.Errorf("transport: buf too short: have %d, need %d", len(v), n)
		}
		copy(v[:n], data[:n])
		return n, nil
	case Float64:
		v, ok := buf.([]float64)
		if !ok {
			return 0, fmt.Errorf("transport: buf must be []float64 for Float64, got %T", buf)
		}
		if len(v) < n {
			return 0, fmt.Errorf("transport: buf too short: have %d, need %d", len(v), n)
		}
		for i := 0; i < n; i++ {
			v[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return n, nil
	default:
		return 0, fmt.Errorf("transport: unknown element type %v", typ)
	}
}
