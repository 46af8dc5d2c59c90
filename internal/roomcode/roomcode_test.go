package roomcode

import (
	"strings"
	"testing"
)

func TestNewShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := New()
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if len(code) != Length {
			t.Fatalf("code %q has length %d, want %d", code, len(code), Length)
		}
		for _, r := range code {
			if !strings.ContainsRune(Alphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
		}
		seen[code] = true
	}
	// 200 draws from a ~1e9 space colliding would mean a broken generator.
	if len(seen) < 199 {
		t.Fatalf("expected distinct codes, got %d unique of 200", len(seen))
	}
}

func TestAlphabetExcludesAmbiguous(t *testing.T) {
	for _, r := range "IO01" {
		if strings.ContainsRune(Alphabet, r) {
			t.Fatalf("alphabet must not contain %q", r)
		}
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"ABC234", true},
		{"abc234", false},
		{"ABC23", false},
		{"ABC2345", false},
		{"ABC10I", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.code); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
