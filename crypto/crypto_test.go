package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestNewAESEncryptorRejectsBadKeys(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewAESEncryptor(tc.key); err == nil {
				t.Errorf("NewAESEncryptor(%q) succeeded, want error", tc.key)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	secret := []byte("webhook-secret-abc123")
	ct, err := enc.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(ct, secret) {
		t.Error("ciphertext contains plaintext")
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, secret) {
		t.Errorf("round trip = %q, want %q", pt, secret)
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	ct, err := enc.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Error("Decrypt accepted tampered ciphertext")
	}
}

func TestEncryptStringEmptyPassesThrough(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	got, err := EncryptString(enc, "")
	if err != nil || got != "" {
		t.Errorf("EncryptString(\"\") = (%q, %v), want (\"\", nil)", got, err)
	}
	got, err = DecryptString(enc, "")
	if err != nil || got != "" {
		t.Errorf("DecryptString(\"\") = (%q, %v), want (\"\", nil)", got, err)
	}
}

func TestStringHelpersRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	ct, err := EncryptString(enc, "per-channel-secret")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	pt, err := DecryptString(enc, ct)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if pt != "per-channel-secret" {
		t.Errorf("round trip = %q", pt)
	}
}
