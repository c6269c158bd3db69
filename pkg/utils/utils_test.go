package utils

import (
	"strings"
	"testing"
)

func TestShareSlugDeterministic(t *testing.T) {
	a := ShareSlug("3f1c2a4e-0000-4000-8000-000000000001", "salt")
	b := ShareSlug("3f1c2a4e-0000-4000-8000-000000000001", "salt")
	if a != b {
		t.Fatalf("expected same slug, got %q and %q", a, b)
	}
	if c := ShareSlug("3f1c2a4e-0000-4000-8000-000000000001", "other"); c == a {
		t.Errorf("expected salt to change slug, both %q", a)
	}
	for _, r := range a {
		if !strings.ContainsRune(base62Chars, r) {
			t.Errorf("slug %q contains non-base62 rune %q", a, r)
		}
	}
	if len(a) == 0 || len(a) > 11 {
		t.Errorf("unexpected slug length %d", len(a))
	}
}

func TestBase62(t *testing.T) {
	cases := map[uint64]string{0: "0", 61: "Z", 62: "10", 3843: "ZZ"}
	for in, want := range cases {
		if got := base62(in); got != want {
			t.Errorf("base62(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestHashIP(t *testing.T) {
	a := HashIP("203.0.113.7", "salt")
	if a == "203.0.113.7" || len(a) != 32 {
		t.Fatalf("unexpected hash %q", a)
	}
	if HashIP("203.0.113.8", "salt") == a {
		t.Error("different IPs hashed to the same key")
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("secret123")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword("secret123", hash) {
		t.Error("expected password to match")
	}
	if CheckPassword("wrong", hash) {
		t.Error("expected wrong password to fail")
	}
	if _, err := HashPassword(strings.Repeat("x", MaxPasswordLen+1)); err != ErrPasswordTooLong {
		t.Errorf("expected ErrPasswordTooLong, got %v", err)
	}
}
