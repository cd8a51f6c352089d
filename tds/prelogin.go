package tds

import (
	"encoding/binary"
	"fmt"
)

// TDS protocol versions.
const (
	VerTDS74 uint32 = 0x74000004
)

// Prelogin option tokens.
const (
	PreloginVersion         uint8 = 0x00
	PreloginEncryption      uint8 = 0x01
	PreloginInstOpt         uint8 = 0x02
	PreloginThreadID        uint8 = 0x03
	PreloginMARS            uint8 = 0x04
	PreloginTraceID         uint8 = 0x05
	PreloginFedAuthRequired uint8 = 0x06
	PreloginNonceOpt        uint8 = 0x07
	PreloginTerminator      uint8 = 0xFF
)

// Encryption options exchanged during prelogin.
const (
	EncryptOff    uint8 = 0x00 // Encryption available but off
	EncryptOn     uint8 = 0x01 // Encryption available and on
	EncryptNotSup uint8 = 0x02 // Encryption not supported
	EncryptReq    uint8 = 0x03 // Encryption required
)

// PreloginRequest is the client's PRELOGIN message.
type PreloginRequest struct {
	Version         [6]byte // 4 version bytes + 2 subbuild
	Encryption      uint8
	Instance        string
	ThreadID        uint32
	MARS            uint8  // always 0, MARS is not supported
	TraceID         []byte // 36 bytes: 16 connection id + 16 activity id + 4 sequence
	FedAuthRequired bool
}

type preloginSection struct {
	token uint8
	data  []byte
}

// Encode encodes the request as an option offset table followed by the
// option payloads, terminated by 0xFF.
func (p *PreloginRequest) Encode() []byte {
	instance := append([]byte(p.Instance), 0)

	threadID := make([]byte, 4)
	binary.BigEndian.PutUint32(threadID, p.ThreadID)

	traceID := p.TraceID
	if len(traceID) == 0 {
		traceID = make([]byte, 36)
	}

	sections := []preloginSection{
		{PreloginVersion, p.Version[:]},
		{PreloginEncryption, []byte{p.Encryption}},
		{PreloginInstOpt, instance},
		{PreloginThreadID, threadID},
		{PreloginMARS, []byte{p.MARS}},
		{PreloginTraceID, traceID},
	}
	if p.FedAuthRequired {
		sections = append(sections, preloginSection{PreloginFedAuthRequired, []byte{0x01}})
	}

	headerSize := len(sections)*5 + 1
	total := headerSize
	for _, s := range sections {
		total += len(s.data)
	}

	buf := make([]byte, total)
	pos := 0
	offset := uint16(headerSize)
	for _, s := range sections {
		buf[pos] = s.token
		binary.BigEndian.PutUint16(buf[pos+1:pos+3], offset)
		binary.BigEndian.PutUint16(buf[pos+3:pos+5], uint16(len(s.data)))
		pos += 5
		offset += uint16(len(s.data))
	}
	buf[pos] = PreloginTerminator
	pos++

	for _, s := range sections {
		copy(buf[pos:], s.data)
		pos += len(s.data)
	}

	return buf
}

// PreloginResponse is the server's parsed PRELOGIN reply.
type PreloginResponse struct {
	Version         [6]byte
	Encryption      uint8
	Instance        string
	FedAuthRequired bool
	Nonce           []byte // 32 bytes if present
}

// ParsePreloginResponse parses the server's prelogin reply. Options may
// arrive in any order, so the offset table is scanned in two passes.
func ParsePreloginResponse(data []byte) (*PreloginResponse, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty prelogin response")
	}

	type option struct {
		offset uint16
		length uint16
	}

	options := make(map[uint8]option)
	pos := 0
	for {
		if pos >= len(data) {
			return nil, fmt.Errorf("prelogin response truncated reading options")
		}
		token := data[pos]
		if token == PreloginTerminator {
			break
		}
		if pos+5 > len(data) {
			return nil, fmt.Errorf("prelogin option header truncated")
		}
		options[token] = option{
			offset: binary.BigEndian.Uint16(data[pos+1 : pos+3]),
			length: binary.BigEndian.Uint16(data[pos+3 : pos+5]),
		}
		pos += 5
	}

	r := &PreloginResponse{}
	for token, opt := range options {
		start := int(opt.offset)
		end := start + int(opt.length)
		if end > len(data) {
			return nil, fmt.Errorf("prelogin option %d data out of bounds", token)
		}
		value := data[start:end]

		switch token {
		case PreloginVersion:
			if len(value) >= 6 {
				copy(r.Version[:], value[:6])
			}
		case PreloginEncryption:
			if len(value) >= 1 {
				r.Encryption = value[0]
			}
		case PreloginInstOpt:
			for i, b := range value {
				if b == 0 {
					r.Instance = string(value[:i])
					break
				}
			}
		case PreloginFedAuthRequired:
			if len(value) >= 1 {
				r.FedAuthRequired = value[0] == 0x01
			}
		case PreloginNonceOpt:
			if len(value) >= 32 {
				r.Nonce = make([]byte, 32)
				copy(r.Nonce, value[:32])
			}
		}
	}

	return r, nil
}
