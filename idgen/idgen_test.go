package idgen

import (
	"strings"
	"testing"
)

func TestNanoID_Length(t *testing.T) {
	for _, length := range []int{8, 12, 16} {
		gen := NanoID(length)
		id := gen()
		if len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
	}
}

func TestNanoID_Uniqueness(t *testing.T) {
	gen := NanoID(12)
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("NanoID: duplicate at iteration %d: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d in %q", len(id), id)
	}
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts, got %d in %q", len(parts), id)
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("run_", NanoID(8))
	id := gen()
	if !strings.HasPrefix(id, "run_") {
		t.Fatalf("Prefixed: got %q, want run_ prefix", id)
	}
	if len(id) != 12 {
		t.Fatalf("Prefixed: got length %d, want 12", len(id))
	}
}

func TestCap(t *testing.T) {
	if got := Cap("abcdef", 4); got != "abcd" {
		t.Errorf("Cap long: got %q, want %q", got, "abcd")
	}
	if got := Cap("ab", 4); got != "ab" {
		t.Errorf("Cap short: got %q, want %q", got, "ab")
	}
}
