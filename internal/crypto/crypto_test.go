package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestNewEncryptor(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33, 64} {
		if _, err := NewEncryptor(make([]byte, size)); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key size %d: expected ErrInvalidKey, got %v", size, err)
		}
	}
	if _, err := NewEncryptor(testKey()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, plaintext := range []string{"", "ya29.a0AfH6SM", "unicode ✓ token"} {
		sealed, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if plaintext != "" && sealed == plaintext {
			t.Error("ciphertext must differ from plaintext")
		}
		opened, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if opened != plaintext {
			t.Errorf("expected %q, got %q", plaintext, opened)
		}
	}

	t.Run("nonces are random", func(t *testing.T) {
		a, _ := enc.Encrypt("same")
		b, _ := enc.Encrypt("same")
		if a == b {
			t.Error("expected different ciphertexts for repeated plaintext")
		}
	})
}

func TestDecryptRejects(t *testing.T) {
	enc, _ := NewEncryptor(testKey())
	other, _ := NewEncryptor(bytes.Repeat([]byte{0x01}, 32))
	sealed, _ := other.Encrypt("secret")

	testCases := []struct {
		name  string
		input string
	}{
		{"not base64", "%%%"},
		{"too short", "AAAA"},
		{"wrong key", sealed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := enc.Decrypt(tc.input); !errors.Is(err, ErrInvalidCiphertext) {
				t.Errorf("expected ErrInvalidCiphertext, got %v", err)
			}
		})
	}
}
