package tds

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/hugr-lab/mssql-extension-sub009/pkg/errors"
)

// Well-known procedure ids for RPC requests.
const (
	ProcIDExecuteSQL uint16 = 10 // sp_executesql
)

// procIDMarker in the name-length slot selects the numeric proc id
// form.
const procIDMarker uint16 = 0xFFFF

// RPCParam is one parameter of a parameterized statement. Supported
// value types: nil, bool, int64, float64, string, []byte, time.Time.
type RPCParam struct {
	Name  string
	Value interface{}
}

// Declaration returns the T-SQL declaration fragment for the parameter,
// used in the @params argument of sp_executesql.
func (p RPCParam) Declaration() (string, error) {
	switch p.Value.(type) {
	case nil:
		return p.Name + " sql_variant", nil
	case bool:
		return p.Name + " bit", nil
	case int64:
		return p.Name + " bigint", nil
	case float64:
		return p.Name + " float", nil
	case string:
		return p.Name + " nvarchar(max)", nil
	case []byte:
		return p.Name + " varbinary(max)", nil
	case time.Time:
		return p.Name + " datetime2(7)", nil
	default:
		return "", fmt.Errorf("unsupported parameter type %T", p.Value)
	}
}

// ExecRPC executes a parameterized statement through sp_executesql and
// returns the token reader for its response.
func (c *Conn) ExecRPC(ctx context.Context, stmt string, params []RPCParam) (*TokenReader, error) {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateLoggedIn {
		state := c.state
		c.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeProtoInvalidState,
			"cannot execute on connection %d in state %s", c.id, state)
	}
	c.state = StateExecuting
	c.lastUsed = time.Now()
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		c.setState(StateIdle)
		return nil, errors.Wrap(err, errors.ErrCodeCancelled, "query cancelled before send")
	}

	payload, err := encodeExecuteSQL(c.allHeaders(), stmt, params)
	if err != nil {
		c.setState(StateIdle)
		return nil, errors.Wrap(err, errors.ErrCodeProtoUnsupported, "building RPC request")
	}

	c.framer.ResetSequence()
	if err := c.framer.WriteMessage(PacketRPCRequest, payload); err != nil {
		c.fail()
		return nil, errors.Wrap(err, errors.ErrCodeIoWrite, "sending RPC request")
	}

	tr := NewTokenReader(c.framer)
	c.mu.Lock()
	c.reader = tr
	c.mu.Unlock()
	return tr, nil
}

// encodeExecuteSQL builds the sp_executesql RPC payload: ALL_HEADERS,
// numeric proc id, option flags, @stmt, @params declaration, and the
// typed parameter values.
func encodeExecuteSQL(headers []byte, stmt string, params []RPCParam) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(headers)

	binary.Write(&buf, binary.LittleEndian, procIDMarker)
	binary.Write(&buf, binary.LittleEndian, ProcIDExecuteSQL)
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // option flags

	// @stmt
	if err := writeNVarCharParam(&buf, "", stmt); err != nil {
		return nil, err
	}

	if len(params) > 0 {
		decls := make([]string, len(params))
		for i, p := range params {
			d, err := p.Declaration()
			if err != nil {
				return nil, err
			}
			decls[i] = d
		}
		if err := writeNVarCharParam(&buf, "", strings.Join(decls, ",")); err != nil {
			return nil, err
		}
		for _, p := range params {
			if err := writeTypedParam(&buf, p); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

// writeParamHeader writes the B_VARCHAR name and status byte.
func writeParamHeader(buf *bytes.Buffer, name string) {
	nameBytes := stringToUCS2(name)
	buf.WriteByte(byte(len(nameBytes) / 2))
	buf.Write(nameBytes)
	buf.WriteByte(0) // status: by-value
}

// writeNVarCharParam writes an NVARCHAR parameter, using the MAX form
// for values beyond the 8000-byte inline limit.
func writeNVarCharParam(buf *bytes.Buffer, name, value string) error {
	writeParamHeader(buf, name)
	data := stringToUCS2(value)

	buf.WriteByte(byte(TypeNVarChar))
	if len(data) > 8000 {
		// MAX type: PLP-encoded value.
		binary.Write(buf, binary.LittleEndian, maxLengthMarker)
		buf.Write(DefaultCollation)
		binary.Write(buf, binary.LittleEndian, uint64(len(data)))
		if len(data) > 0 {
			binary.Write(buf, binary.LittleEndian, uint32(len(data)))
			buf.Write(data)
		}
		binary.Write(buf, binary.LittleEndian, uint32(0)) // terminator
		return nil
	}

	binary.Write(buf, binary.LittleEndian, uint16(8000))
	buf.Write(DefaultCollation)
	binary.Write(buf, binary.LittleEndian, uint16(len(data)))
	buf.Write(data)
	return nil
}

// writeTypedParam writes one typed parameter value.
func writeTypedParam(buf *bytes.Buffer, p RPCParam) error {
	switch v := p.Value.(type) {
	case nil:
		writeParamHeader(buf, p.Name)
		// Typeless NULL travels as a NULL NVARCHAR value.
		buf.WriteByte(byte(TypeNVarChar))
		binary.Write(buf, binary.LittleEndian, uint16(8000))
		buf.Write(DefaultCollation)
		binary.Write(buf, binary.LittleEndian, maxLengthMarker) // NULL

	case bool:
		writeParamHeader(buf, p.Name)
		buf.WriteByte(byte(TypeBitN))
		buf.WriteByte(1)
		buf.WriteByte(1)
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}

	case int64:
		writeParamHeader(buf, p.Name)
		buf.WriteByte(byte(TypeIntN))
		buf.WriteByte(8)
		buf.WriteByte(8)
		binary.Write(buf, binary.LittleEndian, v)

	case float64:
		writeParamHeader(buf, p.Name)
		buf.WriteByte(byte(TypeFloatN))
		buf.WriteByte(8)
		buf.WriteByte(8)
		binary.Write(buf, binary.LittleEndian, v)

	case string:
		return writeNVarCharParam(buf, p.Name, v)

	case []byte:
		writeParamHeader(buf, p.Name)
		buf.WriteByte(byte(TypeBigVarBin))
		binary.Write(buf, binary.LittleEndian, maxLengthMarker)
		binary.Write(buf, binary.LittleEndian, uint64(len(v)))
		if len(v) > 0 {
			binary.Write(buf, binary.LittleEndian, uint32(len(v)))
			buf.Write(v)
		}
		binary.Write(buf, binary.LittleEndian, uint32(0))

	case time.Time:
		writeParamHeader(buf, p.Name)
		buf.WriteByte(byte(TypeDateTime2N))
		buf.WriteByte(7) // scale
		buf.WriteByte(8) // length: 5 time + 3 date
		writeDateTime2(buf, v)

	default:
		return fmt.Errorf("unsupported parameter type %T", p.Value)
	}
	return nil
}

// writeDateTime2 encodes a datetime2(7) value: 5-byte 100ns ticks since
// midnight, 3-byte days since 0001-01-01.
func writeDateTime2(buf *bytes.Buffer, t time.Time) {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	ticks := uint64(t.Sub(midnight).Nanoseconds() / 100)
	// Whole seconds, not time.Duration, which saturates after ~292 years.
	days := int((midnight.Unix() - dateBase.Unix()) / 86400)

	for i := 0; i < 5; i++ {
		buf.WriteByte(byte(ticks >> (8 * i)))
	}
	buf.WriteByte(byte(days))
	buf.WriteByte(byte(days >> 8))
	buf.WriteByte(byte(days >> 16))
}

// DefaultCollation is the wire collation attached to outgoing string
// parameters (Latin1_General_CI_AS).
var DefaultCollation = []byte{0x09, 0x04, 0xD0, 0x00, 0x34}
