package hasher

import (
	"strings"
	"testing"
)

func TestHashIsDeterministicPerKey(t *testing.T) {
	h := New("console-key")

	first := h.Hash("secret")
	second := h.Hash("secret")
	if first != second {
		t.Fatalf("same key and secret produced different hashes: %q vs %q", first, second)
	}
	if first == "secret" {
		t.Fatal("hash must not equal the plain secret")
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d (%q)", len(first), first)
	}
	if first != strings.ToLower(first) {
		t.Fatalf("expected lowercase hex, got %q", first)
	}
}

func TestHashDiffersAcrossKeys(t *testing.T) {
	if New("key-a").Hash("secret") == New("key-b").Hash("secret") {
		t.Fatal("different keys produced the same hash")
	}
}

func TestEqual(t *testing.T) {
	h := New("console-key")
	stored := h.Hash("secret")

	if !h.Equal(stored, "secret") {
		t.Fatal("correct secret rejected")
	}
	if h.Equal(stored, "wrong") {
		t.Fatal("wrong secret accepted")
	}
	if h.Equal("", "secret") {
		t.Fatal("empty stored value accepted")
	}
}

func TestAlgorithm(t *testing.T) {
	if got := New("k").Algorithm(); got != "hmac-sha256" {
		t.Fatalf("unexpected algorithm tag %q", got)
	}
}
