package hasher

import (
	"strings"
	"testing"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"trim and collapse", "  hello   world  ", "hello world"},
		{"tabs and newlines", "hello\t\nworld", "hello world"},
		{"case preserved", "Hello WORLD", "Hello WORLD"},
		{"empty", "", ""},
		{"only whitespace", " \t\n ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeText(tt.input); got != tt.expected {
				t.Errorf("NormalizeText(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalizeText_NFC(t *testing.T) {
	// "é" as a combining sequence vs precomposed must normalize identically.
	decomposed := "café"
	precomposed := "café"
	if NormalizeText(decomposed) != NormalizeText(precomposed) {
		t.Error("expected NFC to unify decomposed and precomposed forms")
	}
}

func TestHashText_Deterministic(t *testing.T) {
	a := HashText("ws-1", "hello world")
	b := HashText("ws-1", "  hello   world  ")
	if a != b {
		t.Error("expected whitespace variants to hash identically")
	}
	if len(a) != 64 || strings.ToLower(a) != a {
		t.Errorf("expected 64 lowercase hex chars, got %q", a)
	}
}

func TestHashText_WorkspaceScoped(t *testing.T) {
	if HashText("ws-1", "same text") == HashText("ws-2", "same text") {
		t.Error("expected different workspaces to produce different hashes")
	}
}

func TestHashFile_ExactBytes(t *testing.T) {
	a := HashFile("ws-1", []byte("  raw  bytes  "))
	b := HashFile("ws-1", []byte("raw bytes"))
	if a == b {
		t.Error("file hashing must not normalize content")
	}
	if HashFile("ws-1", []byte("x")) == HashFile("ws-2", []byte("x")) {
		t.Error("expected file hashes to be workspace scoped")
	}
}
