package sha256

import "testing"

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New(0)
	got := h.Hash([]byte("hello world"))
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := h.Hash([]byte("hello world")); again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestHasherTruncates(t *testing.T) {
	t.Parallel()

	h := New(16)
	if got := h.Hash([]byte("hello world")); got != "b94d27b9934d3e08" {
		t.Fatalf("unexpected truncated digest %s", got)
	}
}

func TestHashPartsSeparatesBoundaries(t *testing.T) {
	t.Parallel()

	h := New(24)
	if h.HashParts("ab", "c") == h.HashParts("a", "bc") {
		t.Fatal("expected part boundaries to change the digest")
	}
	if h.HashParts("x", "y") != h.HashParts("x", "y") {
		t.Fatal("expected deterministic digest")
	}
}
