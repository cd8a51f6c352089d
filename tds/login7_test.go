package tds

import (
	"encoding/binary"
	"testing"
)

func TestPasswordMangleRoundTrip(t *testing.T) {
	passwords := []string{"", "secret", "p@ssw0rd!", "päss wörd", "日本語"}
	for _, pw := range passwords {
		if got := demanglePassword(manglePassword(pw)); got != pw {
			t.Errorf("demangle(mangle(%q)) = %q", pw, got)
		}
	}
}

func TestUCS2RoundTrip(t *testing.T) {
	strings := []string{"", "hello", "héllo wörld", "日本語テキスト", "emoji 🙂 pair"}
	for _, s := range strings {
		if got := ucs2ToString(stringToUCS2(s)); got != s {
			t.Errorf("round trip of %q = %q", s, got)
		}
	}
}

func TestUCS2MalformedReplacement(t *testing.T) {
	// A lone high surrogate decodes to U+FFFD rather than failing.
	lone := []byte{0x00, 0xD8}
	got := ucs2ToString(lone)
	if got != "�" {
		t.Errorf("lone surrogate decoded to %q, want replacement char", got)
	}
}

func TestLogin7Encode(t *testing.T) {
	l := &Login7Request{
		TDSVersion: VerTDS74,
		PacketSize: 4096,
		HostName:   "client-host",
		UserName:   "sa",
		Password:   "secret",
		AppName:    "mssql-extension",
		ServerName: "db.example.com",
		Database:   "orders",
	}
	data := l.Encode()

	if got := binary.LittleEndian.Uint32(data[0:4]); got != uint32(len(data)) {
		t.Errorf("length field = %d, want %d", got, len(data))
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != VerTDS74 {
		t.Errorf("TDS version = 0x%08X, want 0x%08X", got, VerTDS74)
	}

	readField := func(slot int) string {
		offset := binary.LittleEndian.Uint16(data[slot : slot+2])
		chars := binary.LittleEndian.Uint16(data[slot+2 : slot+4])
		return ucs2ToString(data[offset : int(offset)+int(chars)*2])
	}

	if got := readField(36); got != "client-host" {
		t.Errorf("hostname = %q", got)
	}
	if got := readField(40); got != "sa" {
		t.Errorf("username = %q", got)
	}
	if got := readField(68); got != "orders" {
		t.Errorf("database = %q", got)
	}

	// The password field is mangled in place.
	pwOffset := binary.LittleEndian.Uint16(data[44:46])
	pwChars := binary.LittleEndian.Uint16(data[46:48])
	if got := demanglePassword(data[pwOffset : int(pwOffset)+int(pwChars)*2]); got != "secret" {
		t.Errorf("password = %q", got)
	}

	// No extension announced.
	if data[27]&FlagExtension != 0 {
		t.Error("extension flag set without feature extension")
	}
}

func TestLogin7EncodeFedAuth(t *testing.T) {
	l := &Login7Request{
		TDSVersion:  VerTDS74,
		PacketSize:  4096,
		FedAuth:     true,
		FedAuthEcho: true,
	}
	data := l.Encode()

	if data[27]&FlagExtension == 0 {
		t.Fatal("extension flag not set")
	}

	extSlotOffset := binary.LittleEndian.Uint16(data[56:58])
	extLen := binary.LittleEndian.Uint16(data[58:60])
	if extLen != 4 {
		t.Fatalf("extension slot length = %d, want 4", extLen)
	}
	featOffset := binary.LittleEndian.Uint32(data[extSlotOffset : extSlotOffset+4])

	feat := data[featOffset:]
	if feat[0] != FeatureFedAuth {
		t.Fatalf("feature id = 0x%02X, want FEDAUTH", feat[0])
	}
	featLen := binary.LittleEndian.Uint32(feat[1:5])
	if featLen != 2 {
		t.Fatalf("feature length = %d, want 2", featLen)
	}
	options := feat[5]
	if options&0x01 == 0 {
		t.Error("echo bit not set")
	}
	if options>>1 != FedAuthLibraryADAL {
		t.Errorf("library = %d, want %d", options>>1, FedAuthLibraryADAL)
	}
	if feat[6] != FedAuthWorkflowSecToken {
		t.Errorf("workflow = 0x%02X, want security token", feat[6])
	}
	if feat[7+featLen-2] != FeatureTerminator {
		t.Error("feature block not terminated")
	}
}

func TestEncodeFedAuthToken(t *testing.T) {
	nonce := make([]byte, 32)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	data := EncodeFedAuthToken("bearer-token", nonce)

	total := binary.LittleEndian.Uint32(data[0:4])
	if int(total) != len(data)-4 {
		t.Errorf("total length = %d, want %d", total, len(data)-4)
	}
	tokenLen := binary.LittleEndian.Uint32(data[4:8])
	token := ucs2ToString(data[8 : 8+tokenLen])
	if token != "bearer-token" {
		t.Errorf("token = %q", token)
	}
	gotNonce := data[8+tokenLen:]
	if len(gotNonce) != 32 || gotNonce[5] != 5 {
		t.Errorf("nonce not echoed correctly: %v", gotNonce)
	}
}
