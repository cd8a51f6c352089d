package tds

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Token types in the TABULAR_RESULT stream.
type TokenType uint8

const (
	TokenReturnStatus  TokenType = 0x79 // 121
	TokenColMetadata   TokenType = 0x81 // 129
	TokenOrder         TokenType = 0xA9 // 169
	TokenError         TokenType = 0xAA // 170
	TokenInfo          TokenType = 0xAB // 171
	TokenReturnValue   TokenType = 0xAC // 172
	TokenLoginAck      TokenType = 0xAD // 173
	TokenFeatureExtAck TokenType = 0xAE // 174
	TokenRow           TokenType = 0xD1 // 209
	TokenNBCRow        TokenType = 0xD2 // 210
	TokenEnvChange     TokenType = 0xE3 // 227
	TokenFedAuthInfo   TokenType = 0xEE // 238
	TokenDone          TokenType = 0xFD // 253
	TokenDoneProc      TokenType = 0xFE // 254
	TokenDoneInProc    TokenType = 0xFF // 255
)

func (t TokenType) String() string {
	switch t {
	case TokenReturnStatus:
		return "RETURNSTATUS"
	case TokenColMetadata:
		return "COLMETADATA"
	case TokenOrder:
		return "ORDER"
	case TokenError:
		return "ERROR"
	case TokenInfo:
		return "INFO"
	case TokenReturnValue:
		return "RETURNVALUE"
	case TokenLoginAck:
		return "LOGINACK"
	case TokenFeatureExtAck:
		return "FEATUREEXTACK"
	case TokenRow:
		return "ROW"
	case TokenNBCRow:
		return "NBCROW"
	case TokenEnvChange:
		return "ENVCHANGE"
	case TokenFedAuthInfo:
		return "FEDAUTHINFO"
	case TokenDone:
		return "DONE"
	case TokenDoneProc:
		return "DONEPROC"
	case TokenDoneInProc:
		return "DONEINPROC"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// Done status flags.
const (
	DoneFinal    uint16 = 0x0000
	DoneMore     uint16 = 0x0001
	DoneError    uint16 = 0x0002
	DoneInxact   uint16 = 0x0004 // Transaction in progress
	DoneCount    uint16 = 0x0010 // Row count valid
	DoneAttn     uint16 = 0x0020 // Acknowledging attention
	DoneSrvError uint16 = 0x0100 // Server error
)

// ENVCHANGE types.
const (
	EnvDatabase     uint8 = 1
	EnvLanguage     uint8 = 2
	EnvPacketSize   uint8 = 4
	EnvSQLCollation uint8 = 7
	EnvBeginTran    uint8 = 8
	EnvCommitTran   uint8 = 9
	EnvRollbackTran uint8 = 10
	EnvResetConnAck uint8 = 18
	EnvRouting      uint8 = 20
)

// Column flags in COLMETADATA.
const (
	ColFlagNullable uint16 = 0x0001
	ColFlagCaseSen  uint16 = 0x0002
	ColFlagIdentity uint16 = 0x0010
	ColFlagComputed uint16 = 0x0020
	ColFlagHidden   uint16 = 0x2000
	ColFlagKey      uint16 = 0x4000
)

// Column describes one result column from COLMETADATA.
type Column struct {
	Name     string
	UserType uint32
	Flags    uint16
	Info     TypeInfo
}

// Nullable reports the nullability flag.
func (c Column) Nullable() bool {
	return c.Flags&ColFlagNullable != 0
}

// Parsed tokens.

// LoginAckToken acknowledges a successful login.
type LoginAckToken struct {
	Interface   uint8
	TDSVersion  uint32
	ProgName    string
	ProgVersion uint32
}

// EnvChangeToken reports a session state change.
type EnvChangeToken struct {
	Type     uint8
	NewValue string
	OldValue string
	NewBytes []byte
	OldBytes []byte
}

// ColMetadataToken carries the result set column descriptions.
type ColMetadataToken struct {
	Columns []Column
}

// RowToken carries one decoded row.
type RowToken struct {
	Values []interface{}
}

// OrderToken lists the column ordinals the server ordered by.
type OrderToken struct {
	Ordinals []uint16
}

// SQLMessageToken is an ERROR or INFO token.
type SQLMessageToken struct {
	IsError bool
	Number  int32
	State   uint8
	Class   uint8
	Message string
	Server  string
	Proc    string
	Line    int32
}

// DoneToken terminates a result set or request.
type DoneToken struct {
	Kind     TokenType
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

// More reports whether another result set follows.
func (d DoneToken) More() bool {
	return d.Status&DoneMore != 0
}

// Attention reports whether this DONE acknowledges an attention.
func (d DoneToken) Attention() bool {
	return d.Status&DoneAttn != 0
}

// FedAuthInfoToken carries the token-service coordinates for federated
// authentication.
type FedAuthInfoToken struct {
	STSURL string
	SPN    string
}

// ReturnStatusToken carries a procedure return code.
type ReturnStatusToken struct {
	Value int32
}

// FeatureExtAckToken acknowledges feature extensions from LOGIN7.
type FeatureExtAckToken struct {
	// FedAuth holds the raw FEDAUTH acknowledgement data when present.
	FedAuth []byte
}

// messageReader adapts the packet stream to io.Reader for token
// parsing. Tokens may span packet boundaries, so reads pull the next
// packet on demand rather than waiting for the whole message.
type messageReader struct {
	framer *Framer
	buf    []byte
	pos    int
	eom    bool
}

func (m *messageReader) Read(p []byte) (int, error) {
	for m.pos >= len(m.buf) {
		if m.eom {
			return 0, io.EOF
		}
		hdr, payload, err := m.framer.ReadPacket()
		if err != nil {
			return 0, err
		}
		if hdr.Type != PacketReply {
			return 0, fmt.Errorf("unexpected packet type %s in result stream", hdr.Type)
		}
		m.buf = payload
		m.pos = 0
		m.eom = hdr.IsLastPacket()
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += n
	return n, nil
}

// TokenReader parses the server's token stream for one request. It is
// single-threaded; exactly one consumer drains it.
type TokenReader struct {
	r       *bufio.Reader
	columns []Column
}

// NewTokenReader starts parsing a TABULAR_RESULT response on the
// framer.
func NewTokenReader(f *Framer) *TokenReader {
	return &TokenReader{
		r: bufio.NewReaderSize(&messageReader{framer: f}, DefaultPacketSize),
	}
}

// Columns returns the most recent COLMETADATA column set.
func (t *TokenReader) Columns() []Column {
	return t.columns
}

// Next parses and returns the next token. At the end of the response it
// returns io.EOF.
func (t *TokenReader) Next() (interface{}, error) {
	b, err := t.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	tok := TokenType(b)

	switch tok {
	case TokenLoginAck:
		return t.parseLoginAck()
	case TokenEnvChange:
		return t.parseEnvChange()
	case TokenColMetadata:
		return t.parseColMetadata()
	case TokenRow:
		return t.parseRow(false)
	case TokenNBCRow:
		return t.parseRow(true)
	case TokenOrder:
		return t.parseOrder()
	case TokenError:
		return t.parseSQLMessage(true)
	case TokenInfo:
		return t.parseSQLMessage(false)
	case TokenDone, TokenDoneProc, TokenDoneInProc:
		return t.parseDone(tok)
	case TokenFedAuthInfo:
		return t.parseFedAuthInfo()
	case TokenReturnStatus:
		v, err := readUint32le(t.r)
		if err != nil {
			return nil, err
		}
		return &ReturnStatusToken{Value: int32(v)}, nil
	case TokenFeatureExtAck:
		return t.parseFeatureExtAck()
	case TokenReturnValue:
		return nil, fmt.Errorf("unexpected RETURNVALUE token in scan stream")
	default:
		return nil, fmt.Errorf("malformed token stream: unknown token 0x%02X", b)
	}
}

func (t *TokenReader) parseLoginAck() (*LoginAckToken, error) {
	if _, err := readUint16le(t.r); err != nil { // token length
		return nil, err
	}
	iface, err := readUint8(t.r)
	if err != nil {
		return nil, err
	}
	var verBytes [4]byte
	if _, err := io.ReadFull(t.r, verBytes[:]); err != nil {
		return nil, err
	}
	nameChars, err := readUint8(t.r)
	if err != nil {
		return nil, err
	}
	nameBytes := make([]byte, int(nameChars)*2)
	if _, err := io.ReadFull(t.r, nameBytes); err != nil {
		return nil, err
	}
	var progVer [4]byte
	if _, err := io.ReadFull(t.r, progVer[:]); err != nil {
		return nil, err
	}
	return &LoginAckToken{
		Interface:   iface,
		TDSVersion:  binary.BigEndian.Uint32(verBytes[:]),
		ProgName:    ucs2ToString(nameBytes),
		ProgVersion: binary.BigEndian.Uint32(progVer[:]),
	}, nil
}

func (t *TokenReader) parseEnvChange() (*EnvChangeToken, error) {
	length, err := readUint16le(t.r)
	if err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(t.r, data); err != nil {
		return nil, err
	}
	if len(data) < 1 {
		return nil, fmt.Errorf("empty ENVCHANGE token")
	}

	env := &EnvChangeToken{Type: data[0]}
	body := data[1:]

	switch env.Type {
	case EnvDatabase, EnvLanguage, EnvPacketSize:
		// B_VARCHAR new value, B_VARCHAR old value (char counts).
		newVal, rest, err := readBVarChar(body)
		if err != nil {
			return nil, fmt.Errorf("ENVCHANGE type %d: %w", env.Type, err)
		}
		oldVal, _, err := readBVarChar(rest)
		if err != nil {
			return nil, fmt.Errorf("ENVCHANGE type %d: %w", env.Type, err)
		}
		env.NewValue = newVal
		env.OldValue = oldVal

	case EnvSQLCollation, EnvBeginTran, EnvCommitTran, EnvRollbackTran, EnvResetConnAck:
		// B_VARBYTE new value, B_VARBYTE old value.
		newBytes, rest, err := readBVarByte(body)
		if err != nil {
			return nil, fmt.Errorf("ENVCHANGE type %d: %w", env.Type, err)
		}
		oldBytes, _, err := readBVarByte(rest)
		if err != nil {
			return nil, fmt.Errorf("ENVCHANGE type %d: %w", env.Type, err)
		}
		env.NewBytes = newBytes
		env.OldBytes = oldBytes

	case EnvRouting:
		// USHORT length, protocol byte, port, US_VARCHAR server.
		if len(body) < 7 {
			return nil, fmt.Errorf("ENVCHANGE routing too short")
		}
		port := binary.LittleEndian.Uint16(body[3:5])
		serverChars := int(binary.LittleEndian.Uint16(body[5:7]))
		if 7+serverChars*2 > len(body) {
			return nil, fmt.Errorf("ENVCHANGE routing server out of bounds")
		}
		server := ucs2ToString(body[7 : 7+serverChars*2])
		env.NewValue = fmt.Sprintf("%s:%d", server, port)

	default:
		// Length-delimited; unhandled types are skipped whole.
	}

	return env, nil
}

func readBVarChar(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, fmt.Errorf("truncated B_VARCHAR")
	}
	chars := int(data[0])
	if 1+chars*2 > len(data) {
		return "", nil, fmt.Errorf("B_VARCHAR out of bounds")
	}
	return ucs2ToString(data[1 : 1+chars*2]), data[1+chars*2:], nil
}

func readBVarByte(data []byte) ([]byte, []byte, error) {
	if len(data) < 1 {
		return nil, nil, fmt.Errorf("truncated B_VARBYTE")
	}
	n := int(data[0])
	if 1+n > len(data) {
		return nil, nil, fmt.Errorf("B_VARBYTE out of bounds")
	}
	out := make([]byte, n)
	copy(out, data[1:1+n])
	return out, data[1+n:], nil
}

func (t *TokenReader) parseColMetadata() (*ColMetadataToken, error) {
	count, err := readUint16le(t.r)
	if err != nil {
		return nil, err
	}
	// 0xFFFF means no metadata follows (e.g. for a DML batch).
	if count == 0xFFFF {
		t.columns = nil
		return &ColMetadataToken{}, nil
	}

	columns := make([]Column, 0, count)
	for i := 0; i < int(count); i++ {
		var col Column
		if col.UserType, err = readUint32le(t.r); err != nil {
			return nil, err
		}
		if col.Flags, err = readUint16le(t.r); err != nil {
			return nil, err
		}
		if col.Info, err = ParseTypeInfo(t.r); err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		nameChars, err := readUint8(t.r)
		if err != nil {
			return nil, err
		}
		nameBytes := make([]byte, int(nameChars)*2)
		if _, err := io.ReadFull(t.r, nameBytes); err != nil {
			return nil, err
		}
		col.Name = ucs2ToString(nameBytes)
		columns = append(columns, col)
	}

	t.columns = columns
	return &ColMetadataToken{Columns: columns}, nil
}

func (t *TokenReader) parseRow(nbc bool) (*RowToken, error) {
	if t.columns == nil {
		return nil, fmt.Errorf("ROW token before COLMETADATA")
	}

	var bitmap []byte
	if nbc {
		bitmap = make([]byte, (len(t.columns)+7)/8)
		if _, err := io.ReadFull(t.r, bitmap); err != nil {
			return nil, err
		}
	}

	values := make([]interface{}, len(t.columns))
	for i, col := range t.columns {
		if nbc && isNullInBitmap(bitmap, i) {
			values[i] = nil
			continue
		}
		v, err := DecodeValue(t.r, col.Info)
		if err != nil {
			return nil, fmt.Errorf("decoding column %q: %w", col.Name, err)
		}
		values[i] = v
	}

	return &RowToken{Values: values}, nil
}

// isNullInBitmap checks a column's bit in the NBCROW null bitmap.
func isNullInBitmap(bitmap []byte, columnIndex int) bool {
	byteIndex := columnIndex / 8
	if byteIndex >= len(bitmap) {
		return false
	}
	return bitmap[byteIndex]&(1<<uint(columnIndex%8)) != 0
}

func (t *TokenReader) parseOrder() (*OrderToken, error) {
	length, err := readUint16le(t.r)
	if err != nil {
		return nil, err
	}
	ordinals := make([]uint16, 0, length/2)
	for i := 0; i < int(length)/2; i++ {
		v, err := readUint16le(t.r)
		if err != nil {
			return nil, err
		}
		ordinals = append(ordinals, v)
	}
	return &OrderToken{Ordinals: ordinals}, nil
}

func (t *TokenReader) parseSQLMessage(isError bool) (*SQLMessageToken, error) {
	if _, err := readUint16le(t.r); err != nil { // token length
		return nil, err
	}
	number, err := readUint32le(t.r)
	if err != nil {
		return nil, err
	}
	state, err := readUint8(t.r)
	if err != nil {
		return nil, err
	}
	class, err := readUint8(t.r)
	if err != nil {
		return nil, err
	}
	msgChars, err := readUint16le(t.r)
	if err != nil {
		return nil, err
	}
	msgBytes := make([]byte, int(msgChars)*2)
	if _, err := io.ReadFull(t.r, msgBytes); err != nil {
		return nil, err
	}
	serverChars, err := readUint8(t.r)
	if err != nil {
		return nil, err
	}
	serverBytes := make([]byte, int(serverChars)*2)
	if _, err := io.ReadFull(t.r, serverBytes); err != nil {
		return nil, err
	}
	procChars, err := readUint8(t.r)
	if err != nil {
		return nil, err
	}
	procBytes := make([]byte, int(procChars)*2)
	if _, err := io.ReadFull(t.r, procBytes); err != nil {
		return nil, err
	}
	line, err := readUint32le(t.r)
	if err != nil {
		return nil, err
	}

	return &SQLMessageToken{
		IsError: isError,
		Number:  int32(number),
		State:   state,
		Class:   class,
		Message: ucs2ToString(msgBytes),
		Server:  ucs2ToString(serverBytes),
		Proc:    ucs2ToString(procBytes),
		Line:    int32(line),
	}, nil
}

func (t *TokenReader) parseDone(kind TokenType) (*DoneToken, error) {
	status, err := readUint16le(t.r)
	if err != nil {
		return nil, err
	}
	curCmd, err := readUint16le(t.r)
	if err != nil {
		return nil, err
	}
	rowCount, err := readUint64le(t.r)
	if err != nil {
		return nil, err
	}
	return &DoneToken{Kind: kind, Status: status, CurCmd: curCmd, RowCount: rowCount}, nil
}

// FedAuthInfo option ids.
const (
	fedAuthInfoSTSURL uint8 = 0x01
	fedAuthInfoSPN    uint8 = 0x02
)

func (t *TokenReader) parseFedAuthInfo() (*FedAuthInfoToken, error) {
	length, err := readUint32le(t.r)
	if err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(t.r, data); err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("FEDAUTHINFO token too short")
	}

	count := binary.LittleEndian.Uint32(data[0:4])
	info := &FedAuthInfoToken{}
	for i := 0; i < int(count); i++ {
		base := 4 + i*9
		if base+9 > len(data) {
			return nil, fmt.Errorf("FEDAUTHINFO option %d out of bounds", i)
		}
		id := data[base]
		dataLen := binary.LittleEndian.Uint32(data[base+1 : base+5])
		// Offsets are from the start of the token data, counting the
		// countOfInfoIDs field.
		offset := binary.LittleEndian.Uint32(data[base+5 : base+9])
		if int(offset)+int(dataLen) > len(data) {
			return nil, fmt.Errorf("FEDAUTHINFO option %d data out of bounds", i)
		}
		value := ucs2ToString(data[offset : offset+dataLen])
		switch id {
		case fedAuthInfoSTSURL:
			info.STSURL = value
		case fedAuthInfoSPN:
			info.SPN = value
		}
	}
	return info, nil
}

func (t *TokenReader) parseFeatureExtAck() (*FeatureExtAckToken, error) {
	ack := &FeatureExtAckToken{}
	for {
		id, err := readUint8(t.r)
		if err != nil {
			return nil, err
		}
		if id == FeatureTerminator {
			return ack, nil
		}
		dataLen, err := readUint32le(t.r)
		if err != nil {
			return nil, err
		}
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(t.r, data); err != nil {
			return nil, err
		}
		if id == FeatureFedAuth {
			ack.FedAuth = data
		}
	}
}
