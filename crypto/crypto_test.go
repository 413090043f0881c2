package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(fill byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{fill}, 32))
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{name: "valid key", key: testKey(1)},
		{name: "empty", key: "", wantErr: "empty"},
		{name: "not base64", key: "%%%", wantErr: "base64"},
		{name: "short key", key: base64.StdEncoding.EncodeToString([]byte("short")), wantErr: "32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(7))
	if err != nil {
		t.Fatal(err)
	}
	plain := []byte(`{"accessToken":"abc","refreshToken":"def"}`)
	ct1, err := enc.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	ct2, _ := enc.Encrypt(plain)
	if bytes.Equal(ct1, ct2) {
		t.Error("two encryptions of the same plaintext must differ (random nonce)")
	}
	got, err := enc.Decrypt(ct1)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Decrypt() = %s, want %s", got, plain)
	}
}

func TestDecryptRejectsTamperingAndWrongKey(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(1))
	other, _ := NewAESEncryptor(testKey(2))
	ct, err := enc.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := enc.Decrypt(tampered); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
	if _, err := other.Decrypt(ct); err == nil {
		t.Error("expected error for wrong key")
	}
	if _, err := enc.Decrypt([]byte("tiny")); err == nil {
		t.Error("expected error for short ciphertext")
	}
	if _, err := enc.Encrypt(nil); err == nil {
		t.Error("expected error for empty plaintext")
	}
}

func TestSealOpen(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(3))
	doc := []byte(`{"version":"2.0"}`)
	sealed, err := Seal(enc, doc)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatal("IsSealed() = false for sealed document")
	}
	if IsSealed(doc) {
		t.Fatal("IsSealed() = true for plaintext document")
	}
	got, err := Open(enc, sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(got, doc) {
		t.Errorf("Open() = %s, want %s", got, doc)
	}
	if _, err := Open(enc, doc); !errors.Is(err, ErrNotSealed) {
		t.Errorf("Open(plaintext) error = %v, want ErrNotSealed", err)
	}
}
