package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestEncodeGetVersionMatchesWire(t *testing.T) {
	got, err := Encode(1000, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0x11, 0xEF, 0x03, 0xE8, 0x00, 0x00, 0x00, 0x00, 0x15, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("wire mismatch: got=% x want=% x", got, want)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		command uint16
		payload []byte
	}{
		{"empty", 1000, nil},
		{"mode", 1001, []byte{0x01}},
		{"hf", 2000, []byte{0x04, 0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x04, 0x08}},
		{"max-command", 0xFFFF, bytes.Repeat([]byte{0xAA}, 300)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := Encode(tc.command, tc.payload)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if len(wire) != HeaderLen+len(tc.payload)+TrailerLen {
				t.Fatalf("size got=%d want=%d", len(wire), HeaderLen+len(tc.payload)+TrailerLen)
			}
			res, f, err := Decode(wire)
			if res != Complete || err != nil {
				t.Fatalf("decode result=%v err=%v", res, err)
			}
			if err := f.Validate(); err != nil {
				t.Fatalf("validate: %v", err)
			}
			if f.Command() != tc.command || f.Status() != 0 {
				t.Fatalf("header mismatch: %+v", f.Header)
			}
			if !bytes.Equal(f.Payload, tc.payload) {
				t.Fatalf("payload mismatch")
			}
			if !bytes.Equal(f.Bytes(), wire) {
				t.Fatalf("re-encode mismatch")
			}
		})
	}
}

func TestChecksumSumsToZero(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		b := make([]byte, rng.Intn(64))
		rng.Read(b)
		var sum byte
		for _, v := range b {
			sum += v
		}
		if sum+Checksum(b) != 0 {
			t.Fatalf("checksum property failed for % x", b)
		}
	}
}

func TestDecodeIncompleteAndInvalid(t *testing.T) {
	wire, _ := Encode(3000, []byte{1, 2, 3})
	if res, _, _ := Decode(wire[:5]); res != Incomplete {
		t.Fatalf("short header got=%v want=incomplete", res)
	}
	if res, _, _ := Decode(wire[:len(wire)-1]); res != Incomplete {
		t.Fatalf("short payload got=%v want=incomplete", res)
	}
	bad := append([]byte{0x12}, wire[1:]...)
	res, _, err := Decode(bad)
	if res != Invalid || !errors.Is(err, ErrBadStart) {
		t.Fatalf("bad sof got=%v err=%v", res, err)
	}
}

func TestValidateDetectsChecksumMismatch(t *testing.T) {
	wire, _ := Encode(2000, []byte{0x04, 1, 2, 3, 4})
	hdr := append([]byte(nil), wire...)
	hdr[8] ^= 0xFF
	_, f, _ := Decode(hdr)
	if err := f.Validate(); !errors.Is(err, ErrHeaderChecksum) {
		t.Fatalf("expected ErrHeaderChecksum, got %v", err)
	}

	body := append([]byte(nil), wire...)
	body[len(body)-1] ^= 0x01
	_, f, _ = Decode(body)
	if err := f.Validate(); !errors.Is(err, ErrPayloadChecksum) {
		t.Fatalf("expected ErrPayloadChecksum, got %v", err)
	}
}

func TestLRC1IsNotValidated(t *testing.T) {
	wire, _ := Encode(1000, nil)
	wire[1] = 0x00
	_, f, _ := Decode(wire)
	if err := f.Validate(); err != nil {
		t.Fatalf("lrc1 should be ignored, got %v", err)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	if _, err := Encode(1, make([]byte, MaxPayload+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
