package tds

import (
	"encoding/binary"
	"unicode/utf16"
)

// Login7 option flags.
const (
	// OptionFlags1
	FlagUseDB    uint8 = 0x20 // USE DATABASE in login
	FlagDatabase uint8 = 0x40 // Initial database fatal
	FlagSetLang  uint8 = 0x80 // SET LANGUAGE in login

	// OptionFlags2
	FlagLanguageFatal uint8 = 0x01 // Language change fatal
	FlagODBC          uint8 = 0x02 // ODBC-style defaults

	// OptionFlags3
	FlagUnknownCollation uint8 = 0x08 // Tolerate unknown collations
	FlagExtension        uint8 = 0x10 // Feature extension present

	// TypeFlags
	FlagReadOnlyIntent uint8 = 0x20 // Read-only application intent
)

// Login7HeaderSize is the fixed size of the LOGIN7 header.
const Login7HeaderSize = 94

// Feature extension ids.
const (
	FeatureFedAuth    uint8 = 0x02
	FeatureTerminator uint8 = 0xFF
)

// Federated authentication library and workflow constants for the
// FEDAUTH feature extension.
const (
	FedAuthLibraryADAL      uint8 = 0x02 // bearer token libraries (ADAL/MSAL)
	FedAuthWorkflowSecToken uint8 = 0x03 // token delivered after FEDAUTHINFO
)

// Login7Request assembles a LOGIN7 record. Authentication strategies
// fill in the credential fields; the connection fills in everything
// else.
type Login7Request struct {
	TDSVersion    uint32
	PacketSize    uint32
	ClientProgVer uint32
	ClientPID     uint32
	ClientID      [6]byte

	HostName   string
	UserName   string
	Password   string
	AppName    string
	ServerName string
	CtlIntName string
	Language   string
	Database   string

	ReadOnlyIntent bool

	// FedAuth, when true, adds a FEDAUTH feature extension announcing
	// the security-token workflow: the server answers with FEDAUTHINFO
	// and expects a FEDAUTH token message before LOGINACK.
	FedAuth     bool
	FedAuthEcho bool // echo bit mirrors the server's prelogin FEDAUTHREQUIRED
}

type login7Field struct {
	data []byte
	// chars is the length written into the header length slot; UCS-2
	// fields count characters, raw fields count bytes.
	chars int
}

func ucs2Field(s string) login7Field {
	return login7Field{data: stringToUCS2(s), chars: len(utf16.Encode([]rune(s)))}
}

// Encode serializes the LOGIN7 record: fixed 94-byte header with an
// offset/length table, followed by the variable-length data block.
func (l *Login7Request) Encode() []byte {
	hostName := ucs2Field(l.HostName)
	userName := ucs2Field(l.UserName)
	password := login7Field{data: manglePassword(l.Password), chars: len(utf16.Encode([]rune(l.Password)))}
	appName := ucs2Field(l.AppName)
	serverName := ucs2Field(l.ServerName)
	ctlIntName := ucs2Field(l.CtlIntName)
	language := ucs2Field(l.Language)
	database := ucs2Field(l.Database)

	var featureExt []byte
	if l.FedAuth {
		featureExt = encodeFedAuthFeature(l.FedAuthEcho)
	}

	hasExt := len(featureExt) > 0

	fields := []*login7Field{
		&hostName, &userName, &password, &appName, &serverName,
		&ctlIntName, &language, &database,
	}

	dataLen := 0
	for _, f := range fields {
		dataLen += len(f.data)
	}
	if hasExt {
		// The extension slot points at a DWORD holding the offset of
		// the feature extension block, which trails all other data.
		dataLen += 4
	}

	total := Login7HeaderSize + dataLen + len(featureExt)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], l.TDSVersion)
	binary.LittleEndian.PutUint32(buf[8:12], l.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:16], l.ClientProgVer)
	binary.LittleEndian.PutUint32(buf[16:20], l.ClientPID)
	binary.LittleEndian.PutUint32(buf[20:24], 0) // connection id

	optionFlags1 := FlagUseDB | FlagSetLang
	optionFlags2 := FlagODBC | FlagLanguageFatal
	typeFlags := uint8(0)
	optionFlags3 := FlagUnknownCollation
	if l.ReadOnlyIntent {
		typeFlags |= FlagReadOnlyIntent
	}
	if hasExt {
		optionFlags3 |= FlagExtension
	}
	buf[24] = optionFlags1
	buf[25] = optionFlags2
	buf[26] = typeFlags
	buf[27] = optionFlags3

	binary.LittleEndian.PutUint32(buf[28:32], 0) // client time zone
	binary.LittleEndian.PutUint32(buf[32:36], 0x0409) // client LCID (en-US)

	// Offset/length table. Offsets are from the start of the record;
	// lengths are in characters for UCS-2 fields.
	offset := uint16(Login7HeaderSize)
	writeSlot := func(slot int, f *login7Field) {
		binary.LittleEndian.PutUint16(buf[slot:slot+2], offset)
		binary.LittleEndian.PutUint16(buf[slot+2:slot+4], uint16(f.chars))
		offset += uint16(len(f.data))
	}

	writeSlot(36, &hostName)
	writeSlot(40, &userName)
	writeSlot(44, &password)
	writeSlot(48, &appName)
	writeSlot(52, &serverName)

	// Extension slot (56): offset of the DWORD, length 4.
	if hasExt {
		binary.LittleEndian.PutUint16(buf[56:58], offset)
		binary.LittleEndian.PutUint16(buf[58:60], 4)
		offset += 4
	} else {
		binary.LittleEndian.PutUint16(buf[56:58], offset)
		binary.LittleEndian.PutUint16(buf[58:60], 0)
	}

	writeSlot(60, &ctlIntName)
	writeSlot(64, &language)
	writeSlot(68, &database)

	copy(buf[72:78], l.ClientID[:])

	// SSPI: unused.
	binary.LittleEndian.PutUint16(buf[78:80], offset)
	binary.LittleEndian.PutUint16(buf[80:82], 0)
	// AtchDBFile: unused.
	binary.LittleEndian.PutUint16(buf[82:84], offset)
	binary.LittleEndian.PutUint16(buf[84:86], 0)
	// ChangePassword: unused.
	binary.LittleEndian.PutUint16(buf[86:88], offset)
	binary.LittleEndian.PutUint16(buf[88:90], 0)
	binary.LittleEndian.PutUint32(buf[90:94], 0) // SSPI long

	pos := Login7HeaderSize
	copy(buf[pos:], hostName.data)
	pos += len(hostName.data)
	copy(buf[pos:], userName.data)
	pos += len(userName.data)
	copy(buf[pos:], password.data)
	pos += len(password.data)
	copy(buf[pos:], appName.data)
	pos += len(appName.data)
	copy(buf[pos:], serverName.data)
	pos += len(serverName.data)

	if hasExt {
		featureExtOffset := uint32(total - len(featureExt))
		binary.LittleEndian.PutUint32(buf[pos:pos+4], featureExtOffset)
		pos += 4
	}

	copy(buf[pos:], ctlIntName.data)
	pos += len(ctlIntName.data)
	copy(buf[pos:], language.data)
	pos += len(language.data)
	copy(buf[pos:], database.data)
	pos += len(database.data)

	copy(buf[pos:], featureExt)

	return buf
}

// encodeFedAuthFeature builds the FEDAUTH feature extension block for
// the security-token workflow, terminated by 0xFF.
func encodeFedAuthFeature(echo bool) []byte {
	options := FedAuthLibraryADAL << 1
	if echo {
		options |= 0x01
	}
	data := []byte{options, FedAuthWorkflowSecToken}

	buf := make([]byte, 0, 1+4+len(data)+1)
	buf = append(buf, FeatureFedAuth)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	buf = append(buf, FeatureTerminator)
	return buf
}

// manglePassword obfuscates a password for the LOGIN7 record: each
// UTF-16LE byte has its nibbles swapped and is XOR'd with 0xA5.
func manglePassword(password string) []byte {
	b := stringToUCS2(password)
	for i := range b {
		v := b[i]
		b[i] = ((v << 4) | (v >> 4)) ^ 0xA5
	}
	return b
}

// demanglePassword reverses manglePassword.
func demanglePassword(mangled []byte) string {
	b := make([]byte, len(mangled))
	for i := range mangled {
		v := mangled[i] ^ 0xA5
		b[i] = (v >> 4) | (v << 4)
	}
	return ucs2ToString(b)
}

// ucs2ToString converts UCS-2 (UTF-16LE) bytes to a Go string.
// Malformed sequences decode to U+FFFD.
func ucs2ToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}

	u16 := make([]uint16, len(b)/2)
	for i := 0; i < len(u16); i++ {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}

	return string(utf16.Decode(u16))
}

// stringToUCS2 converts a Go string to UCS-2 (UTF-16LE) bytes.
func stringToUCS2(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	b := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

// EncodeFedAuthToken builds the FEDAUTH token message payload sent
// after FEDAUTHINFO: total length, token length, UTF-16LE token, and
// the echoed nonce when the server supplied one.
func EncodeFedAuthToken(token string, nonce []byte) []byte {
	tokenBytes := stringToUCS2(token)

	total := 4 + len(tokenBytes) + len(nonce)
	buf := make([]byte, 0, 4+total)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(total))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tokenBytes)))
	buf = append(buf, tokenBytes...)
	buf = append(buf, nonce...)
	return buf
}
