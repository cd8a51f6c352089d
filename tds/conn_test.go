package tds

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/hugr-lab/mssql-extension-sub009/pkg/log"
)

// fakeServer scripts a SQL Server endpoint well enough to exercise the
// client handshake, batch execution and the attention protocol.
type fakeServer struct {
	t        *testing.T
	listener net.Listener

	// rowsPerQuery controls how many rows each SELECT produces.
	rowsPerQuery int
}

func newFakeServer(t *testing.T, rowsPerQuery int) *fakeServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{t: t, listener: listener, rowsPerQuery: rowsPerQuery}
	go s.serve()
	t.Cleanup(func() { listener.Close() })
	return s
}

func (s *fakeServer) info() ConnectionInfo {
	addr := s.listener.Addr().(*net.TCPAddr)
	return ConnectionInfo{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		Database:       "orders",
		Encryption:     EncryptionOff,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.session(conn)
	}
}

func (s *fakeServer) session(conn net.Conn) {
	defer conn.Close()
	f := NewFramer(conn)

	// PRELOGIN: answer no-encryption.
	pktType, _, err := f.ReadMessage()
	if err != nil || pktType != PacketPrelogin {
		return
	}
	resp := &PreloginRequest{Encryption: EncryptNotSup}
	if err := f.WriteMessage(PacketReply, resp.Encode()); err != nil {
		return
	}

	// LOGIN7: acknowledge.
	pktType, _, err = f.ReadMessage()
	if err != nil || pktType != PacketLogin7 {
		return
	}
	login := &tokenStream{}
	login.envChangeDatabase("orders", "master")
	login.loginAck()
	login.done(DoneFinal, 0)
	if err := f.WriteMessage(PacketReply, login.buf.Bytes()); err != nil {
		return
	}

	// Request loop.
	for {
		hdr, _, err := f.ReadPacket()
		if err != nil {
			return
		}
		switch hdr.Type {
		case PacketSQLBatch:
			// Consume continuation packets.
			for !hdr.IsLastPacket() {
				if hdr, _, err = f.ReadPacket(); err != nil {
					return
				}
			}
			result := &tokenStream{}
			result.colMetadataIntNVarChar()
			for i := 0; i < s.rowsPerQuery; i++ {
				result.row(int32(i+1), "r")
			}
			result.done(DoneCount, uint64(s.rowsPerQuery))
			if err := f.WriteMessage(PacketReply, result.buf.Bytes()); err != nil {
				return
			}
		case PacketAttention:
			ack := &tokenStream{}
			ack.done(DoneAttn, 0)
			if err := f.WriteMessage(PacketReply, ack.buf.Bytes()); err != nil {
				return
			}
		default:
			return
		}
	}
}

type testAuth struct{}

func (testAuth) ApplyToLogin7(l *Login7Request) {
	l.UserName = "sa"
	l.Password = "secret"
}
func (testAuth) NeedsFedAuth() bool { return false }
func (testAuth) FetchToken(ctx context.Context) (string, error) {
	return "", nil
}

func TestConnectAndExecBatch(t *testing.T) {
	server := newFakeServer(t, 2)

	conn, err := Connect(context.Background(), 1, server.info(), testAuth{}, log.Nop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if conn.State() != StateLoggedIn {
		t.Fatalf("state = %s, want LoggedIn", conn.State())
	}
	if conn.Database() != "orders" {
		t.Errorf("database = %q, want orders", conn.Database())
	}

	tr, err := conn.ExecBatch(context.Background(), "SELECT [id], [name] FROM [dbo].[t]")
	if err != nil {
		t.Fatalf("ExecBatch: %v", err)
	}
	if conn.State() != StateExecuting {
		t.Fatalf("state = %s, want Executing", conn.State())
	}

	rows := 0
	for {
		tok, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if _, ok := tok.(*RowToken); ok {
			rows++
		}
	}
	if rows != 2 {
		t.Errorf("rows = %d, want 2", rows)
	}

	conn.MarkIdle()
	if conn.State() != StateIdle {
		t.Errorf("state = %s, want Idle", conn.State())
	}

	// A second query on the now-idle connection.
	if err := conn.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestExecBatchRejectsWrongState(t *testing.T) {
	server := newFakeServer(t, 1)
	conn, err := Connect(context.Background(), 1, server.info(), testAuth{}, log.Nop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if _, err := conn.ExecBatch(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("first ExecBatch: %v", err)
	}
	// The first response is not drained; a second execution must be
	// refused.
	if _, err := conn.ExecBatch(context.Background(), "SELECT 2"); err == nil {
		t.Fatal("second ExecBatch succeeded on an Executing connection")
	}
}

func TestAttentionDrain(t *testing.T) {
	server := newFakeServer(t, 100)
	conn, err := Connect(context.Background(), 1, server.info(), testAuth{}, log.Nop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	tr, err := conn.ExecBatch(context.Background(), "SELECT [id] FROM [dbo].[big]")
	if err != nil {
		t.Fatalf("ExecBatch: %v", err)
	}

	// Read a few rows, then cancel.
	for i := 0; i < 5; i++ {
		if _, err := tr.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if err := conn.SendAttention(); err != nil {
		t.Fatalf("SendAttention: %v", err)
	}
	if !conn.AttentionPending() {
		t.Error("attention not pending after send")
	}
	if err := conn.DrainToAttentionAck(tr); err != nil {
		t.Fatalf("DrainToAttentionAck: %v", err)
	}
	if conn.State() != StateIdle {
		t.Errorf("state = %s, want Idle after attention ack", conn.State())
	}
	if conn.AttentionPending() {
		t.Error("attention still pending after ack")
	}
}

func TestConnectEncryptionRequiredButUnsupported(t *testing.T) {
	server := newFakeServer(t, 0)
	info := server.info()
	info.Encryption = EncryptionRequired

	if _, err := Connect(context.Background(), 1, info, testAuth{}, log.Nop()); err == nil {
		t.Fatal("Connect succeeded although server refused encryption")
	}
}

func TestDrainCurrent(t *testing.T) {
	server := newFakeServer(t, 10)
	conn, err := Connect(context.Background(), 1, server.info(), testAuth{}, log.Nop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if _, err := conn.ExecBatch(context.Background(), "SELECT [id] FROM [dbo].[t]"); err != nil {
		t.Fatalf("ExecBatch: %v", err)
	}
	if err := conn.DrainCurrent(2 * time.Second); err != nil {
		t.Fatalf("DrainCurrent: %v", err)
	}
	if conn.State() != StateIdle {
		t.Errorf("state = %s, want Idle", conn.State())
	}
}
