package service

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTailLines(t *testing.T) {
	tests := []struct {
		data string
		n    int
		want string
	}{
		{"a\nb\nc\n", 2, "b\nc"},
		{"a\nb\nc", 2, "b\nc"},
		{"a\nb\n", 5, "a\nb"},
		{"", 3, ""},
		{"only", 1, "only"},
		{"a\nb\n", 0, "a\nb\n"},
	}

	for _, tt := range tests {
		if got := tailLines(tt.data, tt.n); got != tt.want {
			t.Errorf("tailLines(%q, %d) = %q, want %q", tt.data, tt.n, got, tt.want)
		}
	}
}

func TestReadLogTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := readLogTail(path, 1)
	if err != nil {
		t.Fatalf("readLogTail: %v", err)
	}
	if got != "three" {
		t.Errorf("got %q, want %q", got, "three")
	}

	if _, err := readLogTail(filepath.Join(t.TempDir(), "missing.log"), 1); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestOptionsExecutable(t *testing.T) {
	if got := (Options{Executable: "/opt/clipmesh"}).executable(); got != "/opt/clipmesh" {
		t.Errorf("Explicit executable: got %q", got)
	}
	if got := (Options{}).executable(); got == "" {
		t.Error("Default executable should not be empty")
	}
}
