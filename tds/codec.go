package tds

import (
	"fmt"
	"io"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// Value decoding for the ROW/NBCROW token stream. Decoded values use a
// small set of Go types the host engine maps directly:
//
//	nil, bool, int64, float64, decimal.Decimal, string, []byte,
//	time.Time, civil.Date, civil.Time
//
// GUIDs decode to their canonical string form.

// DecodeValue reads one column value described by ti from the stream.
func DecodeValue(r io.Reader, ti TypeInfo) (interface{}, error) {
	switch ti.Type {
	case TypeNull:
		return nil, nil

	case TypeInt1:
		v, err := readUint8(r)
		return int64(v), err

	case TypeInt2:
		v, err := readUint16le(r)
		return int64(int16(v)), err

	case TypeInt4:
		v, err := readUint32le(r)
		return int64(int32(v)), err

	case TypeInt8:
		v, err := readUint64le(r)
		return int64(v), err

	case TypeIntN:
		return decodeIntN(r)

	case TypeBit:
		v, err := readUint8(r)
		return v != 0, err

	case TypeBitN:
		n, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		v, err := readUint8(r)
		return v != 0, err

	case TypeFloat4:
		v, err := readUint32le(r)
		return float64(math.Float32frombits(v)), err

	case TypeFloat8:
		v, err := readUint64le(r)
		return math.Float64frombits(v), err

	case TypeFloatN:
		n, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		switch n {
		case 0:
			return nil, nil
		case 4:
			v, err := readUint32le(r)
			return float64(math.Float32frombits(v)), err
		case 8:
			v, err := readUint64le(r)
			return math.Float64frombits(v), err
		default:
			return nil, fmt.Errorf("invalid FLTN length %d", n)
		}

	case TypeDecimalN, TypeNumericN:
		n, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		return decodeDecimal(data, ti.Scale)

	case TypeMoney:
		return decodeMoney(r, 8)

	case TypeMoney4:
		return decodeMoney(r, 4)

	case TypeMoneyN:
		n, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		return decodeMoney(r, int(n))

	case TypeDateTime:
		return decodeLegacyDateTime(r)

	case TypeDateTime4:
		return decodeSmallDateTime(r)

	case TypeDateTimeN:
		n, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		switch n {
		case 0:
			return nil, nil
		case 4:
			return decodeSmallDateTime(r)
		case 8:
			return decodeLegacyDateTime(r)
		default:
			return nil, fmt.Errorf("invalid DATETIMN length %d", n)
		}

	case TypeDateN:
		n, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		if n != 3 {
			return nil, fmt.Errorf("invalid DATEN length %d", n)
		}
		return decodeDate(r)

	case TypeTimeN:
		n, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		return decodeTime(r, ti.Scale, int(n))

	case TypeDateTime2N:
		n, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		return decodeDateTime2(r, ti.Scale, int(n))

	case TypeDateTimeOffsetN:
		n, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		return decodeDateTimeOffset(r, ti.Scale, int(n))

	case TypeGUID:
		n, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		if n != 16 {
			return nil, fmt.Errorf("invalid GUID length %d", n)
		}
		var raw [16]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return nil, err
		}
		return FormatGUID(GUIDFromWire(raw)), nil

	case TypeBigVarChar, TypeBigChar:
		if ti.IsMax {
			return decodePLPChars(r, ti)
		}
		n, err := readUint16le(r)
		if err != nil {
			return nil, err
		}
		if n == maxLengthMarker {
			return nil, nil
		}
		return decodeChars(r, int(n), ti.Collation)

	case TypeNVarChar, TypeNChar:
		if ti.IsMax {
			return decodePLPNChars(r)
		}
		n, err := readUint16le(r)
		if err != nil {
			return nil, err
		}
		if n == maxLengthMarker {
			return nil, nil
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		return ucs2ToString(data), nil

	case TypeXML:
		return decodePLPNChars(r)

	case TypeBigVarBin, TypeBigBinary:
		if ti.IsMax {
			return decodePLPBytes(r)
		}
		n, err := readUint16le(r)
		if err != nil {
			return nil, err
		}
		if n == maxLengthMarker {
			return nil, nil
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		return data, nil

	case TypeText, TypeNText, TypeImage:
		return decodeLegacyLOB(r, ti)

	default:
		return nil, fmt.Errorf("cannot decode type %s", ti.Type)
	}
}

func decodeIntN(r io.Reader) (interface{}, error) {
	n, err := readUint8(r)
	if err != nil {
		return nil, err
	}
	switch n {
	case 0:
		return nil, nil
	case 1:
		v, err := readUint8(r)
		return int64(v), err
	case 2:
		v, err := readUint16le(r)
		return int64(int16(v)), err
	case 4:
		v, err := readUint32le(r)
		return int64(int32(v)), err
	case 8:
		v, err := readUint64le(r)
		return int64(v), err
	default:
		return nil, fmt.Errorf("invalid INTN length %d", n)
	}
}

// decodeDecimal converts a sign byte plus little-endian magnitude into
// a decimal scaled by the column scale.
func decodeDecimal(data []byte, scale uint8) (interface{}, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("decimal value too short: %d bytes", len(data))
	}
	positive := data[0] == 1
	mag := data[1:]

	// Little-endian magnitude to big-endian for big.Int.
	be := make([]byte, len(mag))
	for i, b := range mag {
		be[len(mag)-1-i] = b
	}

	d := decimal.NewFromBigInt(new(big.Int).SetBytes(be), -int32(scale))
	if !positive {
		d = d.Neg()
	}
	return d, nil
}

func decodeMoney(r io.Reader, size int) (interface{}, error) {
	switch size {
	case 4:
		v, err := readUint32le(r)
		if err != nil {
			return nil, err
		}
		return decimal.New(int64(int32(v)), -4), nil
	case 8:
		// MONEY is the high 32 bits followed by the low 32 bits.
		hi, err := readUint32le(r)
		if err != nil {
			return nil, err
		}
		lo, err := readUint32le(r)
		if err != nil {
			return nil, err
		}
		return decimal.New(int64(hi)<<32|int64(lo), -4), nil
	default:
		return nil, fmt.Errorf("invalid MONEY length %d", size)
	}
}

var legacyBaseDate = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

func decodeLegacyDateTime(r io.Reader) (interface{}, error) {
	days, err := readUint32le(r)
	if err != nil {
		return nil, err
	}
	ticks, err := readUint32le(r)
	if err != nil {
		return nil, err
	}
	// Ticks are 1/300ths of a second since midnight.
	ns := int64(ticks) * 10000000 / 3
	return legacyBaseDate.AddDate(0, 0, int(int32(days))).Add(time.Duration(ns)), nil
}

func decodeSmallDateTime(r io.Reader) (interface{}, error) {
	days, err := readUint16le(r)
	if err != nil {
		return nil, err
	}
	minutes, err := readUint16le(r)
	if err != nil {
		return nil, err
	}
	return legacyBaseDate.AddDate(0, 0, int(days)).Add(time.Duration(minutes) * time.Minute), nil
}

// dateBase is 0001-01-01, the epoch of the DATE wire encoding.
var dateBase = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)

func readDays3(r io.Reader) (int, error) {
	var b [3]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16, nil
}

func decodeDate(r io.Reader) (interface{}, error) {
	days, err := readDays3(r)
	if err != nil {
		return nil, err
	}
	t := dateBase.AddDate(0, 0, days)
	return civil.DateOf(t), nil
}

// timeByteLen returns the fractional-time byte length for a scale.
func timeByteLen(scale uint8) int {
	switch {
	case scale <= 2:
		return 3
	case scale <= 4:
		return 4
	default:
		return 5
	}
}

func readTimeTicks(r io.Reader, size int) (uint64, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

func ticksToNanos(ticks uint64, scale uint8) int64 {
	ns := int64(ticks)
	for i := scale; i < 9; i++ {
		ns *= 10
	}
	return ns
}

func decodeTime(r io.Reader, scale uint8, size int) (interface{}, error) {
	if want := timeByteLen(scale); size != want {
		return nil, fmt.Errorf("invalid TIME length %d for scale %d", size, scale)
	}
	ticks, err := readTimeTicks(r, size)
	if err != nil {
		return nil, err
	}
	ns := ticksToNanos(ticks, scale)
	t := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(ns))
	return civil.TimeOf(t), nil
}

func decodeDateTime2(r io.Reader, scale uint8, size int) (interface{}, error) {
	timeLen := timeByteLen(scale)
	if size != timeLen+3 {
		return nil, fmt.Errorf("invalid DATETIME2 length %d for scale %d", size, scale)
	}
	ticks, err := readTimeTicks(r, timeLen)
	if err != nil {
		return nil, err
	}
	days, err := readDays3(r)
	if err != nil {
		return nil, err
	}
	return dateBase.AddDate(0, 0, days).Add(time.Duration(ticksToNanos(ticks, scale))), nil
}

func decodeDateTimeOffset(r io.Reader, scale uint8, size int) (interface{}, error) {
	timeLen := timeByteLen(scale)
	if size != timeLen+5 {
		return nil, fmt.Errorf("invalid DATETIMEOFFSET length %d for scale %d", size, scale)
	}
	ticks, err := readTimeTicks(r, timeLen)
	if err != nil {
		return nil, err
	}
	days, err := readDays3(r)
	if err != nil {
		return nil, err
	}
	offMin, err := readUint16le(r)
	if err != nil {
		return nil, err
	}
	offset := int(int16(offMin))

	// The wire value is UTC; the offset relocates it.
	utc := dateBase.AddDate(0, 0, days).Add(time.Duration(ticksToNanos(ticks, scale)))
	loc := time.FixedZone("", offset*60)
	return utc.Add(time.Duration(offset) * time.Minute).In(loc), nil
}

// GUIDFromWire reorders the mixed-endian wire layout (bytes 0-3, 4-5,
// 6-7 little-endian; 8-15 big-endian) to a canonical big-endian UUID.
func GUIDFromWire(w [16]byte) [16]byte {
	var g [16]byte
	g[0], g[1], g[2], g[3] = w[3], w[2], w[1], w[0]
	g[4], g[5] = w[5], w[4]
	g[6], g[7] = w[7], w[6]
	copy(g[8:], w[8:])
	return g
}

// GUIDToWire is the inverse of GUIDFromWire.
func GUIDToWire(g [16]byte) [16]byte {
	var w [16]byte
	w[0], w[1], w[2], w[3] = g[3], g[2], g[1], g[0]
	w[4], w[5] = g[5], g[4]
	w[6], w[7] = g[7], g[6]
	copy(w[8:], g[8:])
	return w
}

// FormatGUID renders a canonical UUID as 8-4-4-4-12 lowercase hex.
func FormatGUID(g [16]byte) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 36)
	pos := 0
	for i, b := range g {
		if i == 4 || i == 6 || i == 8 || i == 10 {
			buf[pos] = '-'
			pos++
		}
		buf[pos] = hexdigits[b>>4]
		buf[pos+1] = hexdigits[b&0x0F]
		pos += 2
	}
	return string(buf)
}

// decodeChars decodes non-Unicode character data using the collation's
// code page.
func decodeChars(r io.Reader, n int, coll Collation) (interface{}, error) {
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	decoded, err := coll.Encoding().NewDecoder().Bytes(data)
	if err != nil {
		// The charmap decoders replace rather than fail; any residual
		// error means truly undecodable input.
		return nil, fmt.Errorf("decoding %d chars: %w", n, err)
	}
	return string(decoded), nil
}

// readPLP streams a partially-length-prefixed value chunk by chunk into
// consume, without buffering the whole value. Returns false for NULL.
func readPLP(r io.Reader, consume func([]byte) error) (bool, error) {
	total, err := readUint64le(r)
	if err != nil {
		return false, err
	}
	if total == plpNull {
		return false, nil
	}
	// total is either the exact byte count or plpUnknownLength; either
	// way chunks are read until the zero-length terminator.
	var scratch [4096]byte
	for {
		chunkLen, err := readUint32le(r)
		if err != nil {
			return false, err
		}
		if chunkLen == 0 {
			return true, nil
		}
		remaining := int64(chunkLen)
		for remaining > 0 {
			n := int64(len(scratch))
			if remaining < n {
				n = remaining
			}
			if _, err := io.ReadFull(r, scratch[:n]); err != nil {
				return false, err
			}
			if err := consume(scratch[:n]); err != nil {
				return false, err
			}
			remaining -= n
		}
	}
}

func decodePLPBytes(r io.Reader) (interface{}, error) {
	var out []byte
	ok, err := readPLP(r, func(chunk []byte) error {
		out = append(out, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

func decodePLPNChars(r io.Reader) (interface{}, error) {
	var sb strings.Builder
	// UTF-16 code units may split across chunk boundaries; carry the
	// odd byte over.
	var carry []byte
	ok, err := readPLP(r, func(chunk []byte) error {
		data := chunk
		if len(carry) > 0 {
			data = append(carry, chunk...)
			carry = nil
		}
		if len(data)%2 != 0 {
			carry = []byte{data[len(data)-1]}
			data = data[:len(data)-1]
		}
		sb.WriteString(ucs2ToString(data))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return sb.String(), nil
}

func decodePLPChars(r io.Reader, ti TypeInfo) (interface{}, error) {
	var raw []byte
	ok, err := readPLP(r, func(chunk []byte) error {
		raw = append(raw, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	decoded, err := ti.Collation.Encoding().NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding varchar(max): %w", err)
	}
	return string(decoded), nil
}

// decodeLegacyLOB reads TEXT/NTEXT/IMAGE values: a text pointer and
// timestamp precede the 4-byte-length data.
func decodeLegacyLOB(r io.Reader, ti TypeInfo) (interface{}, error) {
	ptrLen, err := readUint8(r)
	if err != nil {
		return nil, err
	}
	if ptrLen == 0 {
		return nil, nil
	}
	// Discard text pointer and 8-byte timestamp.
	if _, err := io.CopyN(io.Discard, r, int64(ptrLen)+8); err != nil {
		return nil, err
	}
	n, err := readUint32le(r)
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	switch ti.Type {
	case TypeNText:
		return ucs2ToString(data), nil
	case TypeText:
		decoded, err := ti.Collation.Encoding().NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("decoding text: %w", err)
		}
		return string(decoded), nil
	default:
		return data, nil
	}
}
