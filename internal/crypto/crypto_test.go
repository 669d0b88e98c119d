package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestGenerateID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateID()
		if len(id) != 22 {
			t.Fatalf("expected 22 characters, got %d (%q)", len(id), id)
		}
		raw, err := base64.RawURLEncoding.DecodeString(id)
		if err != nil {
			t.Fatalf("id %q is not base64url: %v", id, err)
		}
		if len(raw) != IDBytes {
			t.Fatalf("expected %d bytes, got %d", IDBytes, len(raw))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer([]byte("an encryption key of some length"))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	plaintext := []byte("the launch codes")
	sealed, err := s.Seal(plaintext, "id-1")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("ciphertext contains the plaintext")
	}

	again, err := s.Seal(plaintext, "id-1")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Equal(sealed, again) {
		t.Error("sealing twice should use fresh nonces")
	}

	opened, err := s.Open(sealed, "id-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: got %q", opened)
	}
}

func TestSealerRejectsTampering(t *testing.T) {
	s, err := NewSealer([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	sealed, err := s.Seal([]byte("payload"), "id-1")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := s.Open(sealed, "id-2"); err == nil {
		t.Error("ciphertext should be bound to its id")
	}

	flipped := append([]byte(nil), sealed...)
	flipped[len(flipped)-1] ^= 0x01
	if _, err := s.Open(flipped, "id-1"); err == nil {
		t.Error("modified ciphertext should not open")
	}

	if _, err := s.Open([]byte("short"), "id-1"); err == nil {
		t.Error("truncated ciphertext should not open")
	}

	other, err := NewSealer([]byte("fedcba9876543210"))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	if _, err := other.Open(sealed, "id-1"); err == nil {
		t.Error("a different key should not open the payload")
	}
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	if _, err := NewSealer([]byte("too short")); err == nil {
		t.Fatal("expected an error for a short key")
	}
}
