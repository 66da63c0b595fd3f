package codec

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name       string
		compressed bool
		method     EncMethod
		key        []byte
	}{
		{"none", false, EncNone, nil},
		{"compressed only", true, EncNone, nil},
		{"aes128", false, EncAes128, mustKey(t, EncAes128)},
		{"aes128 compressed", true, EncAes128, mustKey(t, EncAes128)},
		{"xor", false, EncXor, mustKey(t, EncXor)},
		{"xor compressed", true, EncXor, mustKey(t, EncXor)},
	}

	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 64)

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			wire, err := Encode(payload, c.compressed, c.method, c.key)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if c.method == EncNone && !c.compressed && !bytes.Equal(wire, payload) {
				t.Fatalf("identity encode should not mutate payload")
			}
			got, err := Decode(wire, c.compressed, c.method, c.key)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
			}
		})
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	wire, err := Encode(nil, true, EncAes128, mustKey(t, EncAes128))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(wire, true, EncAes128, mustKey(t, EncAes128))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}

func TestDecodeRejectsCorruptAesEnvelope(t *testing.T) {
	if _, err := aesDecrypt([]byte{0xff, 0x01, 0x02}, mustKey(t, EncAes128)); err == nil {
		t.Fatal("expected error for truncated aes envelope")
	}
}

func TestXorIsSelfInverse(t *testing.T) {
	key := []byte{1, 2, 3, 4, 5}
	data := []byte("hello, world")
	enc := xorApply(data, key)
	dec := xorApply(enc, key)
	if !bytes.Equal(dec, data) {
		t.Fatalf("xor round trip mismatch: got %q, want %q", dec, data)
	}
}

func TestParseEncMethod(t *testing.T) {
	cases := map[string]EncMethod{"": EncNone, "none": EncNone, "aes128": EncAes128, "xor": EncXor}
	for s, want := range cases {
		got, err := ParseEncMethod(s)
		if err != nil {
			t.Fatalf("ParseEncMethod(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("ParseEncMethod(%q) = %v, want %v", s, got, want)
		}
	}
	if _, err := ParseEncMethod("rot13"); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestGenerateKeyRanges(t *testing.T) {
	if key, err := GenerateKey(EncNone); err != nil || key != nil {
		t.Fatalf("GenerateKey(None) = %v, %v; want nil, nil", key, err)
	}
	key, err := GenerateKey(EncAes128)
	if err != nil {
		t.Fatalf("GenerateKey(Aes128): %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("aes128 key length = %d, want 32", len(key))
	}
	for _, b := range key {
		if b < 33 || b > 126 {
			t.Fatalf("aes128 key byte %d out of printable ASCII range", b)
		}
	}
	key, err = GenerateKey(EncXor)
	if err != nil {
		t.Fatalf("GenerateKey(Xor): %v", err)
	}
	if len(key) < 1 || len(key) > 31 {
		t.Fatalf("xor key length = %d, want 1..31", len(key))
	}
}

func mustKey(t *testing.T, method EncMethod) []byte {
	t.Helper()
	key, err := GenerateKey(method)
	if err != nil {
		t.Fatalf("GenerateKey(%v): %v", method, err)
	}
	return key
}
