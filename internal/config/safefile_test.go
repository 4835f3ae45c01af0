package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSafeWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	data := []byte(`{"did":"did:key:z6Mk"}`)

	if err := SafeWrite(path, data, 0o600); err != nil {
		t.Fatalf("SafeWrite: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %o, want 0600", info.Mode().Perm())
	}
}

func TestSafeWrite_OverwriteExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	if err := SafeWrite(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("SafeWrite first: %v", err)
	}
	if err := SafeWrite(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("SafeWrite second: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("got %q, want %q", got, "second")
	}
}

func TestSafeWrite_FailureLeavesNoDebris(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	if err := SafeWrite(path, []byte("original"), 0o644); err != nil {
		t.Fatalf("SafeWrite: %v", err)
	}

	// The temp file is created in the target's directory, so a missing
	// directory fails before anything is written.
	badPath := filepath.Join(dir, "nodir", "config.json")
	if err := SafeWrite(badPath, []byte("bad"), 0o644); err == nil {
		t.Fatal("expected error writing into a missing directory")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "config.json" {
			t.Fatalf("unexpected file left behind: %s", e.Name())
		}
	}
	got, _ := os.ReadFile(path)
	if string(got) != "original" {
		t.Fatalf("original corrupted: got %q", got)
	}
}

func TestSafeWrite_TempStaysInTargetDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(sub, "data.bin")
	if err := SafeWrite(path, []byte{0x01, 0x02}, 0o600); err != nil {
		t.Fatalf("SafeWrite: %v", err)
	}

	entries, _ := os.ReadDir(sub)
	if len(entries) != 1 || entries[0].Name() != "data.bin" {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Fatalf("unexpected files alongside target: %v", names)
	}
}
