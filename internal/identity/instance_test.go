package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGetOrCreatePersistsID(t *testing.T) {
	dir := t.TempDir()

	first, err := GetOrCreate(dir)
	if err != nil {
		t.Fatalf("first GetOrCreate failed: %v", err)
	}
	if _, err := uuid.Parse(first.ID); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", first.ID, err)
	}

	second, err := GetOrCreate(dir)
	if err != nil {
		t.Fatalf("second GetOrCreate failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected persisted id %q, got %q", first.ID, second.ID)
	}
}

func TestGetOrCreateCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	inst, err := GetOrCreate(dir)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dir, InstanceFileName))
	if err != nil {
		t.Fatalf("instance file not written: %v", err)
	}
	if got := strings.TrimSpace(string(content)); got != inst.ID {
		t.Errorf("file holds %q, want %q", got, inst.ID)
	}
}

func TestGetOrCreateTrimsWhitespace(t *testing.T) {
	dir := t.TempDir()
	id := uuid.NewString()
	if err := os.WriteFile(filepath.Join(dir, InstanceFileName), []byte("  "+id+"\n\n"), 0600); err != nil {
		t.Fatalf("seed instance file: %v", err)
	}

	inst, err := GetOrCreate(dir)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if inst.ID != id {
		t.Errorf("expected %q, got %q", id, inst.ID)
	}
}

func TestGetOrCreateRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, InstanceFileName), []byte("not-a-uuid"), 0600); err != nil {
		t.Fatalf("seed instance file: %v", err)
	}

	if _, err := GetOrCreate(dir); err == nil {
		t.Fatal("expected error for corrupt instance file")
	}
}

func TestShort(t *testing.T) {
	inst := &Instance{ID: "8b9f2c41-77aa-4a0e-9f3d-1c2b3a4d5e6f"}
	if got := inst.Short(); got != "8b9f2c41" {
		t.Errorf("Short() = %q, want %q", got, "8b9f2c41")
	}
}
