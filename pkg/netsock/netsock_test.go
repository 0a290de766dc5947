package netsock

import (
	"encoding/binary"
	"testing"
)

func TestGenerateHandshakeConstraints(t *testing.T) {
	for i := 0; i < 64; i++ {
		h := generateHandshake()

		if h[0] == 0xef {
			t.Fatal("handshake byte 0 must not be 0xef")
		}
		prefix := binary.LittleEndian.Uint32(h[0:4])
		for _, d := range disallowedPrefixes {
			if prefix == d {
				t.Fatalf("handshake begins with disallowed prefix %#x", prefix)
			}
		}
		if h[56] == 0 && h[57] == 0 && h[58] == 0 && h[59] == 0 {
			t.Fatal("handshake bytes 56..59 must not all be zero")
		}
	}
}

func TestReverseBytes(t *testing.T) {
	got := reverseBytes([]byte{1, 2, 3, 4})
	want := []byte{4, 3, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reverseBytes = %v, want %v", got, want)
		}
	}
}

func TestObfuscationKeySchedule(t *testing.T) {
	// The decrypt key/IV must be the byte-reversal of handshake bytes
	// 8..55, independent of the encrypt half.
	var h [64]byte
	for i := range h {
		h[i] = byte(i)
	}
	reversed := reverseBytes(h[8:56])
	for i := 0; i < 48; i++ {
		if reversed[i] != h[55-i] {
			t.Fatalf("reversed[%d] = %d, want %d", i, reversed[i], h[55-i])
		}
	}
}

func TestAddressTagging(t *testing.T) {
	v4 := V4(192, 168, 1, 10)
	if v4.IsV6() || v4.IsZero() {
		t.Fatal("V4 address mis-tagged")
	}
	if v4.String() != "192.168.1.10" {
		t.Errorf("String() = %q, want 192.168.1.10", v4.String())
	}

	var octets [16]byte
	octets[15] = 1
	v6 := V6(octets)
	if !v6.IsV6() {
		t.Fatal("V6 address mis-tagged")
	}
	if ZeroAddress.IsZero() != true {
		t.Fatal("ZeroAddress must report IsZero")
	}
}

func TestAddressHostPort(t *testing.T) {
	if got := V4(10, 0, 0, 1).HostPort(8080); got != "10.0.0.1:8080" {
		t.Errorf("HostPort = %q, want 10.0.0.1:8080", got)
	}
	var octets [16]byte
	octets[15] = 1
	if got := V6(octets).HostPort(443); got != "[::1]:443" {
		t.Errorf("HostPort = %q, want [::1]:443", got)
	}
}
