package tds

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// Collation is the 5-byte wire collation attached to character columns:
// a 4-byte little-endian info field (20-bit LCID plus comparison flags)
// and a one-byte SQL sort id.
type Collation struct {
	Info   uint32
	SortID uint8
}

// Collation flag bits inside Info.
const (
	collationIgnoreCase   uint32 = 1 << 20
	collationIgnoreAccent uint32 = 1 << 21
	collationIgnoreWidth  uint32 = 1 << 22
	collationIgnoreKana   uint32 = 1 << 23
	collationBinary       uint32 = 1 << 24
	collationBinary2      uint32 = 1 << 25
)

// ParseCollation decodes a 5-byte wire collation.
func ParseCollation(b []byte) Collation {
	if len(b) < 5 {
		return Collation{}
	}
	return Collation{
		Info:   binary.LittleEndian.Uint32(b[0:4]),
		SortID: b[4],
	}
}

// Bytes encodes the collation back to its 5-byte wire form.
func (c Collation) Bytes() []byte {
	b := make([]byte, 5)
	binary.LittleEndian.PutUint32(b[0:4], c.Info)
	b[4] = c.SortID
	return b
}

// LCID returns the locale id portion.
func (c Collation) LCID() uint32 {
	return c.Info & 0xFFFFF
}

// CaseSensitive reports whether comparisons distinguish case.
func (c Collation) CaseSensitive() bool {
	if c.Info&(collationBinary|collationBinary2) != 0 {
		return true
	}
	return c.Info&collationIgnoreCase == 0
}

// Encoding returns the character encoding for non-Unicode (CHAR /
// VARCHAR / TEXT) data under this collation.
func (c Collation) Encoding() encoding.Encoding {
	// SQL collations carry a sort id; the sort id family determines the
	// code page.
	if c.SortID != 0 {
		switch {
		case c.SortID >= 30 && c.SortID <= 39:
			return charmap.CodePage437
		case c.SortID >= 40 && c.SortID <= 49:
			return charmap.CodePage850
		default:
			return charmap.Windows1252
		}
	}
	return encodingForLCID(c.LCID())
}

// encodingForLCID maps a Windows locale id to the legacy code page SQL
// Server uses for its non-Unicode types.
func encodingForLCID(lcid uint32) encoding.Encoding {
	// Primary language id is the low 10 bits.
	switch lcid & 0x3FF {
	case 0x04: // Chinese
		switch lcid {
		case 0x0404, 0x0C04, 0x1404: // Taiwan, Hong Kong, Macau
			return traditionalchinese.Big5
		default:
			return simplifiedchinese.GBK
		}
	case 0x11: // Japanese
		return japanese.ShiftJIS
	case 0x12: // Korean
		return korean.EUCKR
	case 0x05: // Czech
		return charmap.Windows1250
	case 0x0E: // Hungarian
		return charmap.Windows1250
	case 0x15: // Polish
		return charmap.Windows1250
	case 0x19: // Russian
		return charmap.Windows1251
	case 0x22: // Ukrainian
		return charmap.Windows1251
	case 0x08: // Greek
		return charmap.Windows1253
	case 0x1F: // Turkish
		return charmap.Windows1254
	case 0x0D: // Hebrew
		return charmap.Windows1255
	case 0x01: // Arabic
		return charmap.Windows1256
	case 0x25, 0x26, 0x27: // Estonian, Latvian, Lithuanian
		return charmap.Windows1257
	case 0x2A: // Vietnamese
		return charmap.Windows1258
	case 0x1E: // Thai
		return charmap.Windows874
	default:
		return charmap.Windows1252
	}
}

// Collation names as recorded in the catalog (sys.columns
// collation_name) are consulted for pushdown decisions.

// CollationNameCaseSensitive reports whether a collation name denotes a
// case-sensitive collation. Binary collations compare by code point and
// are case-sensitive.
func CollationNameCaseSensitive(name string) bool {
	upper := strings.ToUpper(name)
	if strings.Contains(upper, "_BIN2") || strings.HasSuffix(upper, "_BIN") || strings.Contains(upper, "_BIN_") {
		return true
	}
	return strings.Contains(upper, "_CS")
}

// CollationNameUTF8 reports whether a collation name denotes a UTF-8
// code page, in which case VARCHAR data round-trips without an
// NVARCHAR cast.
func CollationNameUTF8(name string) bool {
	return strings.Contains(strings.ToUpper(name), "_UTF8")
}
