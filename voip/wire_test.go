package voip

import (
	"bytes"
	"testing"

	"github.com/tgvoip/tgvoip-go/pkg/cryptofacade"
	"github.com/tgvoip/tgvoip-go/pkg/wire"
)

func newStreamFrame(t *testing.T, id byte, ts uint32, data []byte) []byte {
	t.Helper()
	w := wire.NewWriter()
	writeStreamFrame(w, id, ts, data)
	return w.Bytes()
}

func wireReader(b []byte) *wire.Reader { return wire.NewReader(b) }

func testSecret(fill byte) []byte {
	s := make([]byte, 256)
	for i := range s {
		s[i] = fill
	}
	return s
}

func TestKeyDerivationLengthsAndDeterminism(t *testing.T) {
	secret := testSecret(0xAA)
	f := cryptofacade.Default

	fp1 := keyFingerprint(f, secret)
	fp2 := keyFingerprint(f, secret)
	if fp1 != fp2 {
		t.Fatal("keyFingerprint is not deterministic")
	}
	id1 := callIDFromSecret(f, secret)
	id2 := callIDFromSecret(f, secret)
	if id1 != id2 {
		t.Fatal("callIDFromSecret is not deterministic")
	}

	// Fingerprint must be the trailing 8 bytes of SHA1(secret), call-id
	// the trailing 16 bytes of SHA256(secret).
	sha := f.SHA1(secret)
	if !bytes.Equal(fp1[:], sha[12:20]) {
		t.Errorf("fingerprint = %x, want trailing SHA1 bytes %x", fp1, sha[12:20])
	}
	sha2 := f.SHA256(secret)
	if !bytes.Equal(id1[:], sha2[16:32]) {
		t.Errorf("callID = %x, want trailing SHA256 bytes %x", id1, sha2[16:32])
	}
}

func TestKDFDirectionality(t *testing.T) {
	secret := testSecret(0x42)
	f := cryptofacade.Default
	var msgKey [16]byte
	copy(msgKey[:], []byte("0123456789abcdef"))

	k0, iv0 := kdf2(f, secret, msgKey, 0)
	k8, iv8 := kdf2(f, secret, msgKey, 8)
	if k0 == k8 || iv0 == iv8 {
		t.Fatal("kdf2 must derive distinct key material per direction")
	}

	l0, liv0 := kdf1(f, secret, msgKey, 0)
	l8, liv8 := kdf1(f, secret, msgKey, 8)
	if l0 == l8 || liv0 == liv8 {
		t.Fatal("kdf1 must derive distinct key material per direction")
	}
}

func TestSimpleBlockRoundTrip(t *testing.T) {
	f := cryptofacade.Default
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	extras := []UnacknowledgedExtraData{
		{Type: ExtraStreamFlags, Data: []byte{0, 1, 0, 0, 0}},
		{Type: ExtraNetworkChanged, Data: nil},
	}

	block := buildSimpleBlock(f, PacketStreamData, 41, 42, 0xF0F0F0F0, ExtrasVersion, extras, payload)
	h, err := parseSimpleBlock(ExtrasVersion, block)
	if err != nil {
		t.Fatalf("parseSimpleBlock: %v", err)
	}
	if h.Type != PacketStreamData {
		t.Errorf("Type = %v, want %v", h.Type, PacketStreamData)
	}
	if h.LastRemoteSeq != 41 || h.Pseq != 42 || h.AckMask != 0xF0F0F0F0 {
		t.Errorf("header = (%d, %d, %#x), want (41, 42, 0xf0f0f0f0)", h.LastRemoteSeq, h.Pseq, h.AckMask)
	}
	if len(h.Extras) != 2 {
		t.Fatalf("len(Extras) = %d, want 2", len(h.Extras))
	}
	if h.Extras[0].Type != ExtraStreamFlags || !bytes.Equal(h.Extras[0].Data, extras[0].Data) {
		t.Errorf("extra 0 = (%v, %x), want (%v, %x)", h.Extras[0].Type, h.Extras[0].Data, extras[0].Type, extras[0].Data)
	}
	if !bytes.Equal(h.Payload, payload) {
		t.Errorf("payload = %x, want %x", h.Payload, payload)
	}
}

func TestSimpleBlockNoExtrasForOldPeers(t *testing.T) {
	f := cryptofacade.Default
	payload := []byte{0xAB}
	block := buildSimpleBlock(f, PacketPing, 0, 1, 0, ExtrasVersion-1, nil, payload)
	h, err := parseSimpleBlock(ExtrasVersion-1, block)
	if err != nil {
		t.Fatalf("parseSimpleBlock: %v", err)
	}
	if len(h.Extras) != 0 {
		t.Errorf("old-peer frame carried %d extras, want 0", len(h.Extras))
	}
	if !bytes.Equal(h.Payload, payload) {
		t.Errorf("payload = %x, want %x", h.Payload, payload)
	}
}

func TestLegacyBlockRoundTrip(t *testing.T) {
	f := cryptofacade.Default
	var callID [16]byte
	copy(callID[:], []byte("0123456789abcdef"))
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	extras := []UnacknowledgedExtraData{{Type: ExtraLANEndpoint, Data: []byte{10, 0, 0, 7, 0x90, 0x1F, 0, 0}}}

	block := buildLegacyBlock(f, PacketStreamData, callID, 7, 8, 0xAAAA5555, extras, payload)
	h, err := parseLegacyBlock(callID, block)
	if err != nil {
		t.Fatalf("parseLegacyBlock: %v", err)
	}
	if h.Type != PacketStreamData {
		t.Errorf("Type = %v, want %v", h.Type, PacketStreamData)
	}
	if h.LastRemoteSeq != 7 || h.Pseq != 8 || h.AckMask != 0xAAAA5555 {
		t.Errorf("header = (%d, %d, %#x), want (7, 8, 0xaaaa5555)", h.LastRemoteSeq, h.Pseq, h.AckMask)
	}
	if len(h.Extras) != 1 || h.Extras[0].Type != ExtraLANEndpoint || !bytes.Equal(h.Extras[0].Data, extras[0].Data) {
		t.Errorf("extras = %+v, want the LAN-endpoint record back", h.Extras)
	}
	if !bytes.Equal(h.Payload, payload) {
		t.Errorf("payload = %x, want %x", h.Payload, payload)
	}
}

func TestLegacyBlockRejectsForeignCallID(t *testing.T) {
	f := cryptofacade.Default
	var callID, other [16]byte
	callID[0], other[0] = 1, 2

	block := buildLegacyBlock(f, PacketNOP, callID, 0, 1, 0, nil, nil)
	if _, err := parseLegacyBlock(other, block); err == nil {
		t.Fatal("a block carrying a different call-id must be dropped")
	}
}

func TestLegacyBlockCarriesProtoTag(t *testing.T) {
	f := cryptofacade.Default
	var callID [16]byte

	block := buildLegacyBlock(f, PacketNOP, callID, 0, 1, 0, nil, nil)
	// random-id(8) + TL pad(1+7) + pflags(4) + callID(16) + seqs(8) +
	// ack mask(4), then the 'GROV' proto tag.
	off := 8 + 8 + 4 + 16 + 8 + 4
	got := uint32(block[off]) | uint32(block[off+1])<<8 | uint32(block[off+2])<<16 | uint32(block[off+3])<<24
	if got != ProtocolName {
		t.Fatalf("proto tag = %#x, want %#x ('GROV')", got, ProtocolName)
	}

	tampered := append([]byte(nil), block...)
	tampered[off] ^= 0xFF
	if _, err := parseLegacyBlock(callID, tampered); err == nil {
		t.Fatal("a block with a corrupted proto tag must be dropped")
	}
}

func TestStreamFrameShortAndLen16(t *testing.T) {
	short := []byte{1, 2, 3}
	long := bytes.Repeat([]byte{0xAB}, 300)

	for _, payload := range [][]byte{short, long} {
		w := newStreamFrame(t, 2, 12345, payload)
		r := wireReader(w)
		id, ts, data, err := readStreamFrame(r)
		if err != nil {
			t.Fatalf("readStreamFrame(%d bytes): %v", len(payload), err)
		}
		if id != 2 || ts != 12345 || !bytes.Equal(data, payload) {
			t.Fatalf("round trip = (%d, %d, %d bytes), want (2, 12345, %d bytes)", id, ts, len(data), len(payload))
		}
	}

	// The length-16 flag must be set exactly when the payload exceeds a
	// single length byte.
	if b := newStreamFrame(t, 2, 0, short); b[0]&streamDataFlagLen16 != 0 {
		t.Error("LEN16 flag set on a short payload")
	}
	if b := newStreamFrame(t, 2, 0, long); b[0]&streamDataFlagLen16 == 0 {
		t.Error("LEN16 flag missing on a 300-byte payload")
	}
}

func TestMTProto2RoundTrip(t *testing.T) {
	f := cryptofacade.Default
	secret := testSecret(0xAA)
	fp := keyFingerprint(f, secret)
	plain := []byte("stream data packet body here")

	// Caller side is outgoing; receiver side is not.
	body := encryptMTProto2(f, secret, true, plain)
	got, err := decryptMTProto2(f, secret, false, fp, body)
	if err != nil {
		t.Fatalf("decryptMTProto2: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip = %x, want %x", got, plain)
	}

	// Padding must keep the ciphertext a multiple of the block size with
	// at least 12 bytes of padding.
	ct := body[24:]
	if len(ct)%16 != 0 {
		t.Errorf("ciphertext length %d is not 16-aligned", len(ct))
	}
	if len(ct) < len(plain)+4+12 {
		t.Errorf("ciphertext too short for the minimum 12 bytes of padding")
	}
}

func TestMTProto2RejectsTamperedCiphertext(t *testing.T) {
	f := cryptofacade.Default
	secret := testSecret(0xAA)
	fp := keyFingerprint(f, secret)

	body := encryptMTProto2(f, secret, true, []byte("payload"))
	body[len(body)-1] ^= 0xFF
	if _, err := decryptMTProto2(f, secret, false, fp, body); err == nil {
		t.Fatal("tampered ciphertext must fail the msgKey check")
	}
}

func TestMTProto2RejectsWrongFingerprint(t *testing.T) {
	f := cryptofacade.Default
	secret := testSecret(0xAA)

	body := encryptMTProto2(f, secret, true, []byte("payload"))
	var wrong [8]byte
	if _, err := decryptMTProto2(f, secret, false, wrong, body); err == nil {
		t.Fatal("wrong fingerprint must be rejected before decryption")
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	f := cryptofacade.Default
	secret := testSecret(0x11)
	fp := keyFingerprint(f, secret)
	plain := []byte("legacy format payload")

	body := encryptLegacy(f, secret, true, plain)
	got, err := decryptLegacy(f, secret, false, fp, body)
	if err != nil {
		t.Fatalf("decryptLegacy: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("round trip = %x, want %x", got, plain)
	}
}

func TestCrossSchemeDecryptFails(t *testing.T) {
	f := cryptofacade.Default
	secret := testSecret(0x11)
	fp := keyFingerprint(f, secret)

	body := encryptMTProto2(f, secret, true, []byte("payload"))
	if _, err := decryptLegacy(f, secret, false, fp, body); err == nil {
		t.Fatal("an MTProto-2 body must not pass the legacy hash check")
	}
}

func TestSeqgt(t *testing.T) {
	cases := []struct {
		a, b uint32
		want bool
	}{
		{1, 0, true},
		{0, 1, false},
		{5, 5, false},
		{0, 0xFFFFFFFF, true}, // wraparound
		{0xFFFFFFFF, 0, false},
		{0x80000000, 0, false}, // exactly half the space: not greater
		{0x7FFFFFFF, 0, true},
	}
	for _, c := range cases {
		if got := seqgt(c.a, c.b); got != c.want {
			t.Errorf("seqgt(%#x, %#x) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
