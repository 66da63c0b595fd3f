package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// EncMethod is the control-link payload encryption method (spec §4.1).
type EncMethod int

const (
	EncNone EncMethod = iota
	EncAes128
	EncXor
)

func (m EncMethod) String() string {
	switch m {
	case EncNone:
		return "none"
	case EncAes128:
		return "aes128"
	case EncXor:
		return "xor"
	default:
		return "unknown"
	}
}

func ParseEncMethod(s string) (EncMethod, error) {
	switch s {
	case "", "none":
		return EncNone, nil
	case "aes128":
		return EncAes128, nil
	case "xor":
		return EncXor, nil
	default:
		return 0, fmt.Errorf("[Codec] unknown encryption method %q", s)
	}
}

// GenerateKey produces a fresh key for method per spec §4.1: None emits
// empty, Aes128 emits 32 printable ASCII bytes (33..126), Xor emits 1..31
// bytes in range 1..254.
func GenerateKey(method EncMethod) ([]byte, error) {
	switch method {
	case EncNone:
		return nil, nil
	case EncAes128:
		key := make([]byte, 32)
		for i := range key {
			b, err := randByteInRange(33, 126)
			if err != nil {
				return nil, err
			}
			key[i] = b
		}
		return key, nil
	case EncXor:
		n, err := randByteInRange(1, 31)
		if err != nil {
			return nil, err
		}
		key := make([]byte, n)
		for i := range key {
			b, err := randByteInRange(1, 254)
			if err != nil {
				return nil, err
			}
			key[i] = b
		}
		return key, nil
	default:
		return nil, fmt.Errorf("[Codec] unknown encryption method %d", method)
	}
}

func randByteInRange(lo, hi int) (byte, error) {
	span := hi - lo + 1
	buf := make([]byte, 1)
	for {
		if _, err := rand.Read(buf); err != nil {
			return 0, err
		}
		if int(buf[0]) < (256/span)*span {
			return byte(lo + int(buf[0])%span), nil
		}
	}
}

// encrypt applies method with key to data, returning the envelope to send
// on the wire. None is identity.
func encrypt(data []byte, method EncMethod, key []byte) ([]byte, error) {
	switch method {
	case EncNone:
		return data, nil
	case EncAes128:
		return aesEncrypt(data, key)
	case EncXor:
		return xorApply(data, key), nil
	default:
		return nil, fmt.Errorf("[Codec] unknown encryption method %d", method)
	}
}

// decrypt reverses encrypt.
func decrypt(data []byte, method EncMethod, key []byte) ([]byte, error) {
	switch method {
	case EncNone:
		return data, nil
	case EncAes128:
		return aesDecrypt(data, key)
	case EncXor:
		return xorApply(data, key), nil // XOR is its own inverse
	default:
		return nil, fmt.Errorf("[Codec] unknown encryption method %d", method)
	}
}

// aesEncrypt derives a 128-bit AES key from the 32-byte printable key
// material and seals data with AES-GCM. Envelope: nonceLen(1B) | nonce |
// ciphertext+tag. This is the canonical encrypt_and_serialize format every
// npipe peer must produce so deserialize_and_decrypt on the other side can
// parse it symmetrically (spec §9 Open Questions).
func aesEncrypt(data, key []byte) ([]byte, error) {
	block, err := newAesBlock(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("[Codec] aes gcm init: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("[Codec] aes nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, data, nil)

	out := make([]byte, 1+len(nonce)+len(sealed))
	out[0] = byte(len(nonce))
	copy(out[1:], nonce)
	copy(out[1+len(nonce):], sealed)
	return out, nil
}

func aesDecrypt(data, key []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("[Codec] aes envelope too short")
	}
	nonceLen := int(data[0])
	if len(data) < 1+nonceLen {
		return nil, fmt.Errorf("[Codec] aes envelope truncated")
	}
	nonce := data[1 : 1+nonceLen]
	ciphertext := data[1+nonceLen:]

	block, err := newAesBlock(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("[Codec] aes gcm init: %w", err)
	}
	if nonceLen != gcm.NonceSize() {
		return nil, fmt.Errorf("[Codec] aes nonce size mismatch")
	}

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("[Codec] aes decrypt: %w", err)
	}
	return plain, nil
}

// newAesBlock derives a 128-bit AES key from the arbitrary-length key
// material (the spec's 32 printable-ASCII bytes) via HKDF-SHA256 — Aes128
// in the spec's naming refers to the cipher's key size, not the generated
// key material's length.
func newAesBlock(key []byte) (cipher.Block, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("[Codec] aes128 requires a key")
	}
	var k [16]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte("npipe aes128")), k[:]); err != nil {
		return nil, fmt.Errorf("[Codec] derive aes128 key: %w", err)
	}
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, fmt.Errorf("[Codec] aes new cipher: %w", err)
	}
	return block, nil
}

// xorApply applies repeating-key XOR (spec §4.1). Symmetric: the same call
// encrypts and decrypts.
func xorApply(data, key []byte) []byte {
	if len(key) == 0 {
		return data
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

// Encode applies compression then encryption, in that order, per spec §4.1.
func Encode(data []byte, compressed bool, method EncMethod, key []byte) ([]byte, error) {
	body := data
	if compressed {
		c, err := compress(body)
		if err != nil {
			return nil, err
		}
		body = c
	}
	return encrypt(body, method, key)
}

// Decode reverses Encode: decrypt then decompress.
func Decode(data []byte, compressed bool, method EncMethod, key []byte) ([]byte, error) {
	body, err := decrypt(data, method, key)
	if err != nil {
		return nil, err
	}
	if compressed {
		d, err := decompress(body)
		if err != nil {
			return nil, err
		}
		body = d
	}
	return body, nil
}
