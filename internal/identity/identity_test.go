package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")

	id, err := LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", id, err)
	}

	// The ID is stable across restarts.
	again, err := LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Fatalf("second load returned %q, want %q", again, id)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	if err := os.WriteFile(path, []byte("not-a-uuid\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreate(path); err == nil {
		t.Fatal("expected error for corrupt identity file")
	}
}
