package crc

import "testing"

func TestBlock16MatchesStreaming(t *testing.T) {
	data := []byte{0x20, 0x64, 0x05, 0x01, 0x02, 0x03, 0x04}
	want := Block16(data)
	got := Message16Init
	for _, b := range data {
		got = AddByte16(b, got)
	}
	if got != want {
		t.Fatalf("streaming CRC %#04x != block CRC %#04x", got, want)
	}
}

func TestVerifyMessage16RoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x20, 0x64, 0x05, 0x03, 0xE8, 0x64}
	crcVal := Block16(payload)
	msg := append(append([]byte{}, payload...), byte(crcVal>>8), byte(crcVal))
	if !VerifyMessage16(msg) {
		t.Fatalf("expected CRC to verify")
	}
	msg[len(msg)-1] ^= 0xFF
	if VerifyMessage16(msg) {
		t.Fatalf("expected CRC mismatch to be detected")
	}
}

func TestBlock32BZIP2KnownVector(t *testing.T) {
	// "123456789" CRC-32/BZIP2 reference value is 0xFC891918.
	got := Block32BZIP2([]byte("123456789"))
	const want = 0xFC891918
	if got != want {
		t.Fatalf("Block32BZIP2 = %#08x, want %#08x", got, want)
	}
}
