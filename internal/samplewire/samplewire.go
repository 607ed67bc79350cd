// Package samplewire converts between float64 sample values and their
// little-endian wire encodings in each declared channel format.
package samplewire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wire codes for the channel value formats. The numbers match LSL's
// channel_format_t values, so frames keep their meaning next to
// LSL-derived tooling.
const (
	CodeFloat32  = 1
	CodeDouble64 = 2
	CodeString   = 3
	CodeInt32    = 4
	CodeInt16    = 5
	CodeInt8     = 6
	CodeInt64    = 7
)

// ValueBytes returns the wire size of one encoded value, or 0 for codes with
// no fixed-size encoding (unknown codes and CodeString).
func ValueBytes(code uint8) int {
	switch code {
	case CodeFloat32, CodeInt32:
		return 4
	case CodeDouble64, CodeInt64:
		return 8
	case CodeInt16:
		return 2
	case CodeInt8:
		return 1
	}
	return 0
}

// AppendValues appends the little-endian encoding of vals in the format named
// by code and returns the extended slice. Values bound for integer formats
// are rounded to the nearest integer and clamped into the format's range;
// NaN becomes 0. Note that int64 magnitudes above 2^53 cannot survive the
// trip through float64 exactly.
func AppendValues(dst []byte, code uint8, vals []float64) ([]byte, error) {
	switch code {
	case CodeFloat32:
		for _, v := range vals {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v)))
		}
	case CodeDouble64:
		for _, v := range vals {
			dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
		}
	case CodeInt32:
		for _, v := range vals {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(roundClamped(v, math.MinInt32, math.MaxInt32))))
		}
	case CodeInt16:
		for _, v := range vals {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(roundClamped(v, math.MinInt16, math.MaxInt16))))
		}
	case CodeInt8:
		for _, v := range vals {
			dst = append(dst, byte(int8(roundClamped(v, math.MinInt8, math.MaxInt8))))
		}
	case CodeInt64:
		for _, v := range vals {
			dst = binary.LittleEndian.AppendUint64(dst, uint64(roundClampedInt64(v)))
		}
	default:
		return dst, fmt.Errorf("cannot encode values in format code %d", code)
	}
	return dst, nil
}

// ReadValues decodes n values of the format named by code from src. It is
// the inverse of AppendValues.
func ReadValues(src []byte, code uint8, n int) ([]float64, error) {
	size := ValueBytes(code)
	if size == 0 {
		return nil, fmt.Errorf("cannot decode values in format code %d", code)
	}
	if len(src) < n*size {
		return nil, fmt.Errorf("payload is %d bytes, want %d for %d values of format code %d", len(src), n*size, n, code)
	}
	vals := make([]float64, n)
	for i := 0; i < n; i++ {
		b := src[i*size:]
		switch code {
		case CodeFloat32:
			vals[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case CodeDouble64:
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case CodeInt32:
			vals[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case CodeInt16:
			vals[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case CodeInt8:
			vals[i] = float64(int8(b[0]))
		case CodeInt64:
			vals[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		}
	}
	return vals, nil
}

// roundClamped rounds v to the nearest integer and clamps it into [lo, hi].
// NaN becomes 0.
func roundClamped(v, lo, hi float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return int64(v)
}

// roundClampedInt64 is roundClamped for the full int64 range, where the
// bounds themselves are not exactly representable as float64.
func roundClampedInt64(v float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v >= float64(math.MaxInt64) { // float64(MaxInt64) rounds up to 2^63
		return math.MaxInt64
	}
	if v <= float64(math.MinInt64) {
		return math.MinInt64
	}
	return int64(v)
}
