package tds

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// tokenStream builds a server-side token stream for tests.
type tokenStream struct {
	buf bytes.Buffer
}

func (s *tokenStream) colMetadataIntNVarChar() {
	s.buf.WriteByte(byte(TokenColMetadata))
	binary.Write(&s.buf, binary.LittleEndian, uint16(2))

	// [id] INT NOT NULL
	binary.Write(&s.buf, binary.LittleEndian, uint32(0)) // usertype
	binary.Write(&s.buf, binary.LittleEndian, uint16(0)) // flags
	s.buf.WriteByte(byte(TypeInt4))
	name := stringToUCS2("id")
	s.buf.WriteByte(byte(len(name) / 2))
	s.buf.Write(name)

	// [name] NVARCHAR(20) NULL
	binary.Write(&s.buf, binary.LittleEndian, uint32(0))
	binary.Write(&s.buf, binary.LittleEndian, ColFlagNullable)
	s.buf.WriteByte(byte(TypeNVarChar))
	binary.Write(&s.buf, binary.LittleEndian, uint16(40))
	s.buf.Write([]byte{0x09, 0x04, 0xD0, 0x00, 0x34})
	name = stringToUCS2("name")
	s.buf.WriteByte(byte(len(name) / 2))
	s.buf.Write(name)
}

func (s *tokenStream) row(id int32, name string) {
	s.buf.WriteByte(byte(TokenRow))
	binary.Write(&s.buf, binary.LittleEndian, id)
	data := stringToUCS2(name)
	binary.Write(&s.buf, binary.LittleEndian, uint16(len(data)))
	s.buf.Write(data)
}

func (s *tokenStream) nbcRowNullName(id int32) {
	s.buf.WriteByte(byte(TokenNBCRow))
	s.buf.WriteByte(0x02) // column 1 (name) is NULL
	binary.Write(&s.buf, binary.LittleEndian, id)
}

func (s *tokenStream) envChangeDatabase(newDB, oldDB string) {
	newBytes := stringToUCS2(newDB)
	oldBytes := stringToUCS2(oldDB)
	s.buf.WriteByte(byte(TokenEnvChange))
	binary.Write(&s.buf, binary.LittleEndian, uint16(1+1+len(newBytes)+1+len(oldBytes)))
	s.buf.WriteByte(EnvDatabase)
	s.buf.WriteByte(byte(len(newDB)))
	s.buf.Write(newBytes)
	s.buf.WriteByte(byte(len(oldDB)))
	s.buf.Write(oldBytes)
}

func (s *tokenStream) sqlError(number int32, class uint8, msg string) {
	msgBytes := stringToUCS2(msg)
	serverBytes := stringToUCS2("testsrv")
	s.buf.WriteByte(byte(TokenError))
	tokenLen := 4 + 1 + 1 + 2 + len(msgBytes) + 1 + len(serverBytes) + 1 + 0 + 4
	binary.Write(&s.buf, binary.LittleEndian, uint16(tokenLen))
	binary.Write(&s.buf, binary.LittleEndian, number)
	s.buf.WriteByte(1) // state
	s.buf.WriteByte(class)
	binary.Write(&s.buf, binary.LittleEndian, uint16(len(msg)))
	s.buf.Write(msgBytes)
	s.buf.WriteByte(byte(len("testsrv")))
	s.buf.Write(serverBytes)
	s.buf.WriteByte(0) // proc name
	binary.Write(&s.buf, binary.LittleEndian, int32(1))
}

func (s *tokenStream) done(status uint16, rowCount uint64) {
	s.buf.WriteByte(byte(TokenDone))
	binary.Write(&s.buf, binary.LittleEndian, status)
	binary.Write(&s.buf, binary.LittleEndian, uint16(0xC1))
	binary.Write(&s.buf, binary.LittleEndian, rowCount)
}

func (s *tokenStream) loginAck() {
	prog := stringToUCS2("Microsoft SQL Server")
	s.buf.WriteByte(byte(TokenLoginAck))
	binary.Write(&s.buf, binary.LittleEndian, uint16(1+4+1+len(prog)+4))
	s.buf.WriteByte(0x01)
	binary.Write(&s.buf, binary.BigEndian, VerTDS74)
	s.buf.WriteByte(byte(len(prog) / 2))
	s.buf.Write(prog)
	binary.Write(&s.buf, binary.BigEndian, uint32(0x0F000000))
}

// serveTokens frames the stream as TABULAR_RESULT packets and returns
// a TokenReader over them. A small packet size forces tokens to span
// packet boundaries.
func serveTokens(t *testing.T, s *tokenStream, packetSize int) *TokenReader {
	t.Helper()
	var wire bytes.Buffer
	server := NewFramer(&pipeConn{w: &wire})
	server.SetPacketSize(packetSize)
	if err := server.WriteMessage(PacketReply, s.buf.Bytes()); err != nil {
		t.Fatalf("framing tokens: %v", err)
	}
	return NewTokenReader(NewFramer(&pipeConn{r: &wire}))
}

func TestTokenReaderResultSet(t *testing.T) {
	s := &tokenStream{}
	s.envChangeDatabase("orders", "master")
	s.colMetadataIntNVarChar()
	s.row(1, "a")
	s.row(2, "b")
	s.nbcRowNullName(3)
	s.done(DoneCount, 3)

	// Small packets so tokens straddle packet boundaries.
	tr := serveTokens(t, s, MinPacketSize)

	env, err := tr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e := env.(*EnvChangeToken); e.Type != EnvDatabase || e.NewValue != "orders" {
		t.Errorf("envchange = %+v", e)
	}

	meta, err := tr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	cols := meta.(*ColMetadataToken).Columns
	if len(cols) != 2 || cols[0].Name != "id" || cols[1].Name != "name" {
		t.Fatalf("columns = %+v", cols)
	}
	if cols[0].Nullable() {
		t.Error("id reported nullable")
	}
	if !cols[1].Nullable() {
		t.Error("name reported not nullable")
	}

	wantRows := []struct {
		id   int64
		name interface{}
	}{
		{1, "a"},
		{2, "b"},
		{3, nil},
	}
	for i, want := range wantRows {
		tok, err := tr.Next()
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		row := tok.(*RowToken)
		if row.Values[0] != want.id {
			t.Errorf("row %d id = %v, want %d", i, row.Values[0], want.id)
		}
		if row.Values[1] != want.name {
			t.Errorf("row %d name = %v, want %v", i, row.Values[1], want.name)
		}
	}

	tok, err := tr.Next()
	if err != nil {
		t.Fatalf("done: %v", err)
	}
	done := tok.(*DoneToken)
	if done.RowCount != 3 || done.Status&DoneCount == 0 {
		t.Errorf("done = %+v", done)
	}

	if _, err := tr.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestTokenReaderError(t *testing.T) {
	s := &tokenStream{}
	s.sqlError(208, 16, "Invalid object name 'dbo.missing'.")
	s.done(DoneError, 0)

	tr := serveTokens(t, s, DefaultPacketSize)

	tok, err := tr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	m := tok.(*SQLMessageToken)
	if !m.IsError || m.Number != 208 || m.Class != 16 {
		t.Errorf("message = %+v", m)
	}
	if m.Message != "Invalid object name 'dbo.missing'." {
		t.Errorf("text = %q", m.Message)
	}
	if m.Server != "testsrv" {
		t.Errorf("server = %q", m.Server)
	}
}

func TestTokenReaderLoginAck(t *testing.T) {
	s := &tokenStream{}
	s.loginAck()
	s.done(DoneFinal, 0)

	tr := serveTokens(t, s, DefaultPacketSize)
	tok, err := tr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	ack := tok.(*LoginAckToken)
	if ack.TDSVersion != VerTDS74 {
		t.Errorf("TDS version = 0x%08X", ack.TDSVersion)
	}
	if ack.ProgName != "Microsoft SQL Server" {
		t.Errorf("prog name = %q", ack.ProgName)
	}
}

func TestTokenReaderUnknownToken(t *testing.T) {
	s := &tokenStream{}
	s.buf.WriteByte(0x42)

	tr := serveTokens(t, s, DefaultPacketSize)
	if _, err := tr.Next(); err == nil {
		t.Error("expected error for unknown token")
	}
}

func TestDoneFlags(t *testing.T) {
	d := DoneToken{Status: DoneMore | DoneAttn}
	if !d.More() || !d.Attention() {
		t.Errorf("flags not detected: %+v", d)
	}
}
