// Package tds implements the client side of the TDS (Tabular Data
// Stream) protocol used by Microsoft SQL Server.
//
// The package covers the subset a federated query engine needs: packet
// framing, PRELOGIN/LOGIN7 handshake with TLS wrapped inside PRELOGIN
// packets, federated authentication token exchange, SQL_BATCH and
// sp_executesql RPC execution, result token parsing, and attention
// based cancellation.
//
// The implementation follows the MS-TDS specification for TDS 7.4 and
// the observed behaviour of SQL Server and Azure SQL endpoints.
package tds

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// PacketType identifies the type of TDS packet.
type PacketType uint8

const (
	// PacketSQLBatch carries an ad-hoc SQL batch.
	PacketSQLBatch PacketType = 1

	// PacketRPCRequest carries a stored procedure call.
	PacketRPCRequest PacketType = 3

	// PacketReply carries the server's tabular result stream.
	PacketReply PacketType = 4

	// PacketAttention asks the server to cancel the running request.
	PacketAttention PacketType = 6

	// PacketFedAuthToken carries a federated authentication token.
	PacketFedAuthToken PacketType = 8

	// PacketLogin7 carries the TDS 7.x login record.
	PacketLogin7 PacketType = 16

	// PacketPrelogin negotiates connection parameters before login.
	PacketPrelogin PacketType = 18
)

func (p PacketType) String() string {
	switch p {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPCRequest:
		return "RPC_REQUEST"
	case PacketReply:
		return "TABULAR_RESULT"
	case PacketAttention:
		return "ATTENTION"
	case PacketFedAuthToken:
		return "FEDAUTH_TOKEN"
	case PacketLogin7:
		return "LOGIN7"
	case PacketPrelogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// PacketStatus indicates the status of a TDS packet.
type PacketStatus uint8

const (
	// StatusNormal indicates more packets follow.
	StatusNormal PacketStatus = 0x00

	// StatusEOM indicates end of message (last packet).
	StatusEOM PacketStatus = 0x01

	// StatusIgnore indicates the message should be ignored.
	StatusIgnore PacketStatus = 0x02

	// StatusResetConnection requests a connection reset before the
	// request in this message executes.
	StatusResetConnection PacketStatus = 0x08

	// StatusResetConnectionSkipTran requests reset but preserves the
	// transaction.
	StatusResetConnectionSkipTran PacketStatus = 0x10
)

// HeaderSize is the size of a TDS packet header in bytes.
const HeaderSize = 8

// DefaultPacketSize is the default TDS packet size before negotiation.
const DefaultPacketSize = 4096

// MaxPacketSize is the maximum allowed TDS packet size.
const MaxPacketSize = 32767

// MinPacketSize is the minimum allowed TDS packet size.
const MinPacketSize = 512

// Header represents a TDS packet header.
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16 // Total packet length including header
	SPID     uint16 // Server Process ID (echoed by the server)
	PacketID uint8  // Packet sequence number (wraps)
	Window   uint8  // Unused, always 0
}

// ReadHeader reads a TDS packet header from the given reader.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}

	return Header{
		Type:     PacketType(buf[0]),
		Status:   PacketStatus(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}, nil
}

// Write writes the header to the given writer.
func (h Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	_, err := w.Write(buf[:])
	return err
}

// PayloadLength returns the length of the packet payload.
func (h Header) PayloadLength() int {
	if h.Length <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

// IsLastPacket returns true if this is the last packet in the message.
func (h Header) IsLastPacket() bool {
	return h.Status&StatusEOM != 0
}

// Framer reads and writes TDS packets over a byte stream. Outgoing
// messages are fragmented across packets of the negotiated size;
// incoming packets can be consumed one at a time (result streaming) or
// concatenated until end-of-message.
//
// A Framer is not safe for concurrent use; the owning Connection
// serializes access.
type Framer struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	packetSize int
	packetSeq  uint8

	readTimeout  time.Duration
	writeTimeout time.Duration

	// resetNext sets StatusResetConnection on the first packet of the
	// next outgoing message.
	resetNext bool
}

// NewFramer wraps a net.Conn for TDS packet exchange.
func NewFramer(conn net.Conn) *Framer {
	return &Framer{
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, MaxPacketSize),
		writer:     bufio.NewWriterSize(conn, MaxPacketSize),
		packetSize: DefaultPacketSize,
		packetSeq:  1,
	}
}

// SetConn replaces the underlying stream, used after the TLS handshake
// when subsequent packets flow through the TLS session.
func (f *Framer) SetConn(conn net.Conn) {
	f.conn = conn
	f.reader = bufio.NewReaderSize(conn, MaxPacketSize)
	f.writer = bufio.NewWriterSize(conn, MaxPacketSize)
}

// Conn returns the current underlying stream.
func (f *Framer) Conn() net.Conn {
	return f.conn
}

// PacketSize returns the negotiated packet size.
func (f *Framer) PacketSize() int {
	return f.packetSize
}

// SetPacketSize updates the packet size after negotiation.
func (f *Framer) SetPacketSize(size int) {
	if size >= MinPacketSize && size <= MaxPacketSize {
		f.packetSize = size
	}
}

// SetReadTimeout sets the per-read deadline.
func (f *Framer) SetReadTimeout(d time.Duration) {
	f.readTimeout = d
}

// SetWriteTimeout sets the per-write deadline.
func (f *Framer) SetWriteTimeout(d time.Duration) {
	f.writeTimeout = d
}

// RequestReset marks the next outgoing message with the
// reset-connection status bit.
func (f *Framer) RequestReset() {
	f.resetNext = true
}

// WriteMessage fragments payload across packets of the negotiated size,
// setting the EOM bit on the final packet.
func (f *Framer) WriteMessage(pktType PacketType, payload []byte) error {
	if f.writeTimeout > 0 {
		f.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
		defer f.conn.SetWriteDeadline(time.Time{})
	}

	maxPayload := f.packetSize - HeaderSize
	remaining := payload
	first := true

	for {
		isLast := len(remaining) <= maxPayload
		var chunk []byte
		if isLast {
			chunk = remaining
		} else {
			chunk = remaining[:maxPayload]
			remaining = remaining[maxPayload:]
		}

		status := StatusNormal
		if isLast {
			status = StatusEOM
		}
		if first && f.resetNext {
			status |= StatusResetConnection
			f.resetNext = false
		}
		first = false

		hdr := Header{
			Type:     pktType,
			Status:   status,
			Length:   uint16(HeaderSize + len(chunk)),
			SPID:     0,
			PacketID: f.packetSeq,
			Window:   0,
		}

		if err := hdr.Write(f.writer); err != nil {
			return fmt.Errorf("writing packet header: %w", err)
		}
		if _, err := f.writer.Write(chunk); err != nil {
			return fmt.Errorf("writing packet payload: %w", err)
		}

		f.packetSeq++
		if f.packetSeq == 0 {
			f.packetSeq = 1
		}

		if isLast {
			break
		}
	}

	return f.writer.Flush()
}

// ReadPacket blocks until a full header+payload arrives and returns
// them. Result-row readers use this to stream without waiting for the
// whole message.
func (f *Framer) ReadPacket() (Header, []byte, error) {
	if f.readTimeout > 0 {
		f.conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	}

	hdr, err := ReadHeader(f.reader)
	if err != nil {
		return Header{}, nil, fmt.Errorf("reading packet header: %w", err)
	}

	if hdr.Length < HeaderSize {
		return Header{}, nil, fmt.Errorf("invalid packet length: %d", hdr.Length)
	}

	var payload []byte
	if n := hdr.PayloadLength(); n > 0 {
		payload = make([]byte, n)
		if _, err := io.ReadFull(f.reader, payload); err != nil {
			return Header{}, nil, fmt.Errorf("reading packet payload: %w", err)
		}
	}

	return hdr, payload, nil
}

// ReadMessage concatenates packets until end-of-message and returns the
// full payload along with the type of the message.
func (f *Framer) ReadMessage() (PacketType, []byte, error) {
	hdr, payload, err := f.ReadPacket()
	if err != nil {
		return 0, nil, err
	}
	data := payload

	for !hdr.IsLastPacket() {
		var chunk []byte
		hdr, chunk, err = f.ReadPacket()
		if err != nil {
			return 0, nil, fmt.Errorf("reading continuation: %w", err)
		}
		data = append(data, chunk...)
	}

	return hdr.Type, data, nil
}

// ResetSequence resets the outgoing packet sequence number, done at the
// start of every new request message.
func (f *Framer) ResetSequence() {
	f.packetSeq = 1
}
