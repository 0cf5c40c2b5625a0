package crypto

import (
	"errors"
	"strings"
	"testing"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSealReveal(t *testing.T) {
	s, err := NewSealer(testKey())
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	tests := []struct {
		name  string
		plain string
	}{
		{"empty", ""},
		{"api_key", "abc123XYZ789"},
		{"secret", "this is a long binance futures api secret value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := s.Seal(tt.plain)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if !IsSealed(sealed) {
				t.Fatalf("missing prefix: %s", sealed)
			}
			got, err := s.Reveal(sealed)
			if err != nil {
				t.Fatalf("Reveal failed: %v", err)
			}
			if got != tt.plain {
				t.Errorf("Reveal = %q, want %q", got, tt.plain)
			}
		})
	}
}

func TestRevealPassThroughPlain(t *testing.T) {
	s, _ := NewSealer(testKey())
	got, err := s.Reveal("plain-key")
	if err != nil || got != "plain-key" {
		t.Fatalf("Reveal(plain) = %q, %v", got, err)
	}
}

func TestRevealWrongKey(t *testing.T) {
	s1, _ := NewSealer(testKey())
	other := make([]byte, KeySize)
	s2, _ := NewSealer(other)

	sealed, _ := s1.Seal("secret")
	if _, err := s2.Reveal(sealed); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed, got %v", err)
	}
	if _, err := s1.Reveal(sealedPrefix + "!!!"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestNewSealerKeySize(t *testing.T) {
	if _, err := NewSealer([]byte(strings.Repeat("k", 16))); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
