package scan

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/hugr-lab/mssql-extension-sub009/pkg/errors"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/log"
	"github.com/hugr-lab/mssql-extension-sub009/pool"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// scriptedServer accepts TDS connections and answers every SQL batch
// with one result set of rowCount int rows, or with a server error.
type scriptedServer struct {
	t        *testing.T
	listener net.Listener
	rowCount int
	sqlError bool
}

func startServer(t *testing.T, rowCount int, sqlError bool) *scriptedServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &scriptedServer{t: t, listener: listener, rowCount: rowCount, sqlError: sqlError}
	go s.serve()
	t.Cleanup(func() { listener.Close() })
	return s
}

func utf16le(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, len(u)*2)
	for i, v := range u {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

func (s *scriptedServer) loginTokens() []byte {
	var buf bytes.Buffer
	// LOGINACK
	prog := utf16le("fake")
	buf.WriteByte(0xAD)
	binary.Write(&buf, binary.LittleEndian, uint16(1+4+1+len(prog)+4))
	buf.WriteByte(0x01)
	binary.Write(&buf, binary.BigEndian, uint32(0x74000004))
	buf.WriteByte(byte(len(prog) / 2))
	buf.Write(prog)
	binary.Write(&buf, binary.BigEndian, uint32(0))
	// DONE
	buf.WriteByte(0xFD)
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	return buf.Bytes()
}

func (s *scriptedServer) resultTokens() []byte {
	var buf bytes.Buffer
	// COLMETADATA: one INT column named n.
	buf.WriteByte(0x81)
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	buf.WriteByte(0x38) // INT4
	name := utf16le("n")
	buf.WriteByte(byte(len(name) / 2))
	buf.Write(name)

	if s.sqlError {
		msg := utf16le("Divide by zero error encountered.")
		srv := utf16le("fake")
		buf.WriteByte(0xAA)
		binary.Write(&buf, binary.LittleEndian, uint16(4+1+1+2+len(msg)+1+len(srv)+1+4))
		binary.Write(&buf, binary.LittleEndian, int32(8134))
		buf.WriteByte(1)  // state
		buf.WriteByte(16) // class
		binary.Write(&buf, binary.LittleEndian, uint16(len(msg)/2))
		buf.Write(msg)
		buf.WriteByte(byte(len(srv) / 2))
		buf.Write(srv)
		buf.WriteByte(0)
		binary.Write(&buf, binary.LittleEndian, int32(1))
	} else {
		for i := 0; i < s.rowCount; i++ {
			buf.WriteByte(0xD1) // ROW
			binary.Write(&buf, binary.LittleEndian, int32(i+1))
		}
	}

	status := uint16(0x0010) // DONE_COUNT
	if s.sqlError {
		status = 0x0002 // DONE_ERROR
	}
	buf.WriteByte(0xFD)
	binary.Write(&buf, binary.LittleEndian, status)
	binary.Write(&buf, binary.LittleEndian, uint16(0xC1))
	binary.Write(&buf, binary.LittleEndian, uint64(s.rowCount))
	return buf.Bytes()
}

func (s *scriptedServer) attentionAck() []byte {
	var buf bytes.Buffer
	buf.WriteByte(0xFD)
	binary.Write(&buf, binary.LittleEndian, uint16(0x0020)) // DONE_ATTN
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	return buf.Bytes()
}

func (s *scriptedServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.session(conn)
	}
}

func (s *scriptedServer) session(conn net.Conn) {
	defer conn.Close()
	f := tds.NewFramer(conn)

	if pktType, _, err := f.ReadMessage(); err != nil || pktType != tds.PacketPrelogin {
		return
	}
	resp := &tds.PreloginRequest{Encryption: tds.EncryptNotSup}
	if err := f.WriteMessage(tds.PacketReply, resp.Encode()); err != nil {
		return
	}

	if pktType, _, err := f.ReadMessage(); err != nil || pktType != tds.PacketLogin7 {
		return
	}
	if err := f.WriteMessage(tds.PacketReply, s.loginTokens()); err != nil {
		return
	}

	for {
		hdr, _, err := f.ReadPacket()
		if err != nil {
			return
		}
		for !hdr.IsLastPacket() {
			if hdr, _, err = f.ReadPacket(); err != nil {
				return
			}
		}
		switch hdr.Type {
		case tds.PacketSQLBatch:
			if err := f.WriteMessage(tds.PacketReply, s.resultTokens()); err != nil {
				return
			}
		case tds.PacketAttention:
			if err := f.WriteMessage(tds.PacketReply, s.attentionAck()); err != nil {
				return
			}
		default:
			return
		}
	}
}

type streamAuth struct{}

func (streamAuth) ApplyToLogin7(l *tds.Login7Request) { l.UserName = "sa"; l.Password = "pw" }
func (streamAuth) NeedsFedAuth() bool                 { return false }
func (streamAuth) FetchToken(ctx context.Context) (string, error) {
	return "", nil
}

func (s *scriptedServer) pool(t *testing.T) *pool.Pool {
	t.Helper()
	addr := s.listener.Addr().(*net.TCPAddr)
	info := tds.ConnectionInfo{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		Encryption:     tds.EncryptionOff,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
	dial := func(ctx context.Context, id uint64) (pool.Conn, error) {
		return tds.Connect(ctx, id, info, streamAuth{}, log.Nop())
	}
	p := pool.NewWithDialer("stream-test", dial, nil,
		pool.Config{MaxSize: 2, SkipHealthProbe: true}, log.Nop(), nil)
	t.Cleanup(p.Close)
	return p
}

func TestResultStreamHappyPath(t *testing.T) {
	server := startServer(t, 5, false)
	p := server.pool(t)

	s, err := Open(context.Background(), p, "SELECT [n] FROM [dbo].[t]", nil, 3, log.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.Columns()) != 1 || s.Columns()[0].Name != "n" {
		t.Fatalf("columns = %+v", s.Columns())
	}

	// First batch fills to the batch size.
	batch, err := s.NextBatch(context.Background())
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if batch.NumRows != 3 {
		t.Errorf("batch rows = %d, want 3", batch.NumRows)
	}
	if batch.Columns[0][0] != int64(1) {
		t.Errorf("first value = %v", batch.Columns[0][0])
	}

	// Second batch holds the remainder.
	batch, err = s.NextBatch(context.Background())
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if batch.NumRows != 2 {
		t.Errorf("batch rows = %d, want 2", batch.NumRows)
	}

	// End of stream; the connection went back to the pool.
	batch, err = s.NextBatch(context.Background())
	if err != nil || batch != nil {
		t.Fatalf("end of stream = (%v, %v), want (nil, nil)", batch, err)
	}

	idle, active := p.Stats()
	if idle != 1 || active != 0 {
		t.Errorf("pool stats = %d/%d, want connection returned", idle, active)
	}
}

func TestResultStreamPendingError(t *testing.T) {
	server := startServer(t, 0, true)
	p := server.pool(t)

	s, err := Open(context.Background(), p, "SELECT 1/0", nil, 10, log.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err = s.NextBatch(context.Background())
	if err == nil {
		t.Fatal("expected pending server error")
	}
	var remote *errors.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if remote.Number != 8134 {
		t.Errorf("number = %d, want 8134", remote.Number)
	}
	if remote.Message != "Divide by zero error encountered." {
		t.Errorf("message = %q", remote.Message)
	}
}

func TestResultStreamCancellation(t *testing.T) {
	server := startServer(t, 5000, false)
	p := server.pool(t)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := Open(ctx, p, "SELECT [n] FROM [dbo].[big]", nil, 100, log.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Consume one batch, then cancel.
	if _, err := s.NextBatch(ctx); err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	cancel()

	_, err = s.NextBatch(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.IsCode(err, errors.ErrCodeCancelled) {
		t.Errorf("error = %v, want Cancelled", err)
	}

	// The connection is back in the pool, not leaked.
	idle, active := p.Stats()
	if active != 0 {
		t.Errorf("active = %d after cancel, want 0", active)
	}
	if idle != 1 {
		t.Errorf("idle = %d after cancel, want 1", idle)
	}
}

func TestResultStreamClose(t *testing.T) {
	server := startServer(t, 50, false)
	p := server.pool(t)

	s, err := Open(context.Background(), p, "SELECT [n] FROM [dbo].[t]", nil, 10, log.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	idle, active := p.Stats()
	if active != 0 || idle != 1 {
		t.Errorf("pool stats = %d/%d after Close, want 1/0", idle, active)
	}
}
