package tds

import (
	"fmt"
	"io"
)

// SQLType identifies a SQL Server wire data type.
type SQLType uint8

const (
	TypeNull      SQLType = 0x1F // 31
	TypeInt1      SQLType = 0x30 // 48  - tinyint
	TypeBit       SQLType = 0x32 // 50
	TypeInt2      SQLType = 0x34 // 52  - smallint
	TypeInt4      SQLType = 0x38 // 56  - int
	TypeDateTime4 SQLType = 0x3A // 58  - smalldatetime
	TypeFloat4    SQLType = 0x3B // 59  - real
	TypeMoney     SQLType = 0x3C // 60
	TypeDateTime  SQLType = 0x3D // 61
	TypeFloat8    SQLType = 0x3E // 62  - float
	TypeMoney4    SQLType = 0x7A // 122 - smallmoney
	TypeInt8      SQLType = 0x7F // 127 - bigint

	// Nullable variable-length scalar types
	TypeGUID            SQLType = 0x24 // 36
	TypeIntN            SQLType = 0x26 // 38
	TypeBitN            SQLType = 0x68 // 104
	TypeDecimalN        SQLType = 0x6A // 106
	TypeNumericN        SQLType = 0x6C // 108
	TypeFloatN          SQLType = 0x6D // 109
	TypeMoneyN          SQLType = 0x6E // 110
	TypeDateTimeN       SQLType = 0x6F // 111
	TypeDateN           SQLType = 0x28 // 40
	TypeTimeN           SQLType = 0x29 // 41
	TypeDateTime2N      SQLType = 0x2A // 42
	TypeDateTimeOffsetN SQLType = 0x2B // 43

	// Large types (2-byte length prefix)
	TypeBigVarBin  SQLType = 0xA5 // 165
	TypeBigVarChar SQLType = 0xA7 // 167
	TypeBigBinary  SQLType = 0xAD // 173
	TypeBigChar    SQLType = 0xAF // 175
	TypeNVarChar   SQLType = 0xE7 // 231
	TypeNChar      SQLType = 0xEF // 239
	TypeXML        SQLType = 0xF1 // 241

	// Legacy LOB types (4-byte length prefix)
	TypeText  SQLType = 0x23 // 35
	TypeImage SQLType = 0x22 // 34
	TypeNText SQLType = 0x63 // 99
)

func (t SQLType) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInt1:
		return "TINYINT"
	case TypeBit, TypeBitN:
		return "BIT"
	case TypeInt2:
		return "SMALLINT"
	case TypeInt4:
		return "INT"
	case TypeInt8:
		return "BIGINT"
	case TypeIntN:
		return "INTN"
	case TypeFloat4:
		return "REAL"
	case TypeFloat8:
		return "FLOAT"
	case TypeFloatN:
		return "FLOATN"
	case TypeDateTime:
		return "DATETIME"
	case TypeDateTime4:
		return "SMALLDATETIME"
	case TypeDateTimeN:
		return "DATETIMEN"
	case TypeMoney:
		return "MONEY"
	case TypeMoney4:
		return "SMALLMONEY"
	case TypeMoneyN:
		return "MONEYN"
	case TypeGUID:
		return "UNIQUEIDENTIFIER"
	case TypeDateN:
		return "DATE"
	case TypeTimeN:
		return "TIME"
	case TypeDateTime2N:
		return "DATETIME2"
	case TypeDateTimeOffsetN:
		return "DATETIMEOFFSET"
	case TypeDecimalN, TypeNumericN:
		return "DECIMAL"
	case TypeBigVarChar:
		return "VARCHAR"
	case TypeBigChar:
		return "CHAR"
	case TypeBigVarBin:
		return "VARBINARY"
	case TypeBigBinary:
		return "BINARY"
	case TypeNVarChar:
		return "NVARCHAR"
	case TypeNChar:
		return "NCHAR"
	case TypeXML:
		return "XML"
	case TypeText:
		return "TEXT"
	case TypeNText:
		return "NTEXT"
	case TypeImage:
		return "IMAGE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// PLP length markers for MAX-typed columns.
const (
	plpNull          uint64 = 0xFFFFFFFFFFFFFFFF
	plpUnknownLength uint64 = 0xFFFFFFFFFFFFFFFE
)

// maxLengthMarker in a 2-byte length slot denotes a MAX type.
const maxLengthMarker uint16 = 0xFFFF

// TypeInfo is the parsed TYPE_INFO portion of a column description.
type TypeInfo struct {
	Type      SQLType
	MaxLength uint32 // bytes; 0xFFFF length slot parses to IsMax
	Precision uint8
	Scale     uint8
	Collation Collation
	IsMax     bool // varchar(max)/nvarchar(max)/varbinary(max)/xml: PLP encoded
}

// ParseTypeInfo reads TYPE_INFO from the token stream.
func ParseTypeInfo(r io.Reader) (TypeInfo, error) {
	var ti TypeInfo

	b, err := readUint8(r)
	if err != nil {
		return ti, err
	}
	ti.Type = SQLType(b)

	switch ti.Type {
	case TypeNull, TypeInt1, TypeBit, TypeInt2, TypeInt4, TypeInt8,
		TypeFloat4, TypeFloat8, TypeMoney, TypeMoney4,
		TypeDateTime, TypeDateTime4, TypeDateN:
		// Fixed-length: no additional info.

	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN, TypeGUID:
		n, err := readUint8(r)
		if err != nil {
			return ti, err
		}
		ti.MaxLength = uint32(n)

	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		scale, err := readUint8(r)
		if err != nil {
			return ti, err
		}
		ti.Scale = scale

	case TypeDecimalN, TypeNumericN:
		n, err := readUint8(r)
		if err != nil {
			return ti, err
		}
		ti.MaxLength = uint32(n)
		if ti.Precision, err = readUint8(r); err != nil {
			return ti, err
		}
		if ti.Scale, err = readUint8(r); err != nil {
			return ti, err
		}

	case TypeBigVarBin, TypeBigBinary:
		n, err := readUint16le(r)
		if err != nil {
			return ti, err
		}
		if n == maxLengthMarker {
			ti.IsMax = true
		} else {
			ti.MaxLength = uint32(n)
		}

	case TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar:
		n, err := readUint16le(r)
		if err != nil {
			return ti, err
		}
		if n == maxLengthMarker {
			ti.IsMax = true
		} else {
			ti.MaxLength = uint32(n)
		}
		coll := make([]byte, 5)
		if _, err := io.ReadFull(r, coll); err != nil {
			return ti, err
		}
		ti.Collation = ParseCollation(coll)

	case TypeXML:
		// Schema-present byte; schema description is not requested and
		// not expected for scan queries.
		present, err := readUint8(r)
		if err != nil {
			return ti, err
		}
		if present != 0 {
			return ti, fmt.Errorf("XML schema info not supported")
		}
		ti.IsMax = true

	case TypeText, TypeNText, TypeImage:
		n, err := readUint32le(r)
		if err != nil {
			return ti, err
		}
		ti.MaxLength = n
		if ti.Type != TypeImage {
			coll := make([]byte, 5)
			if _, err := io.ReadFull(r, coll); err != nil {
				return ti, err
			}
			ti.Collation = ParseCollation(coll)
		}
		// Table name parts.
		parts, err := readUint8(r)
		if err != nil {
			return ti, err
		}
		for i := 0; i < int(parts); i++ {
			chars, err := readUint16le(r)
			if err != nil {
				return ti, err
			}
			if _, err := io.CopyN(io.Discard, r, int64(chars)*2); err != nil {
				return ti, err
			}
		}

	default:
		return ti, fmt.Errorf("unsupported column type 0x%02X", uint8(ti.Type))
	}

	return ti, nil
}

// LogicalType is the host engine's view of a column type.
type LogicalType int

const (
	LogicalBool LogicalType = iota
	LogicalInt8
	LogicalInt16
	LogicalInt32
	LogicalInt64
	LogicalFloat32
	LogicalFloat64
	LogicalDecimal
	LogicalDate
	LogicalTime
	LogicalTimestamp
	LogicalTimestampTZ
	LogicalString
	LogicalBinary
	LogicalUUID
)

func (t LogicalType) String() string {
	switch t {
	case LogicalBool:
		return "BOOLEAN"
	case LogicalInt8:
		return "TINYINT"
	case LogicalInt16:
		return "SMALLINT"
	case LogicalInt32:
		return "INTEGER"
	case LogicalInt64:
		return "BIGINT"
	case LogicalFloat32:
		return "FLOAT"
	case LogicalFloat64:
		return "DOUBLE"
	case LogicalDecimal:
		return "DECIMAL"
	case LogicalDate:
		return "DATE"
	case LogicalTime:
		return "TIME"
	case LogicalTimestamp:
		return "TIMESTAMP"
	case LogicalTimestampTZ:
		return "TIMESTAMP WITH TIME ZONE"
	case LogicalString:
		return "VARCHAR"
	case LogicalBinary:
		return "BLOB"
	case LogicalUUID:
		return "UUID"
	default:
		return "UNKNOWN"
	}
}

// Logical maps the wire type to the host engine's type system.
func (ti TypeInfo) Logical() LogicalType {
	switch ti.Type {
	case TypeBit, TypeBitN:
		return LogicalBool
	case TypeInt1:
		return LogicalInt8
	case TypeInt2:
		return LogicalInt16
	case TypeInt4:
		return LogicalInt32
	case TypeInt8:
		return LogicalInt64
	case TypeIntN:
		switch ti.MaxLength {
		case 1:
			return LogicalInt8
		case 2:
			return LogicalInt16
		case 4:
			return LogicalInt32
		default:
			return LogicalInt64
		}
	case TypeFloat4:
		return LogicalFloat32
	case TypeFloat8:
		return LogicalFloat64
	case TypeFloatN:
		if ti.MaxLength == 4 {
			return LogicalFloat32
		}
		return LogicalFloat64
	case TypeDecimalN, TypeNumericN, TypeMoney, TypeMoney4, TypeMoneyN:
		return LogicalDecimal
	case TypeDateN:
		return LogicalDate
	case TypeTimeN:
		return LogicalTime
	case TypeDateTime, TypeDateTime4, TypeDateTimeN, TypeDateTime2N:
		return LogicalTimestamp
	case TypeDateTimeOffsetN:
		return LogicalTimestampTZ
	case TypeGUID:
		return LogicalUUID
	case TypeBigVarBin, TypeBigBinary, TypeImage:
		return LogicalBinary
	default:
		return LogicalString
	}
}

// Small read helpers shared by type info, token, and value decoding.

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readUint16le(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func readUint32le(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func readUint64le(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56, nil
}
