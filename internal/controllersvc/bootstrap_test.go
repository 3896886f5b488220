package controllersvc

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parzizou/rdp-fleet/internal/fleet"
	"github.com/parzizou/rdp-fleet/internal/store"
)

func testStoreForBootstrap(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeYAML(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadRosterSeedsRegistryFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "roster.yaml", `
agents:
  - agent_id: gpu-1
    url: http://10.0.0.5:9000
  - agent_id: gpu-2
    url: http://10.0.0.6:9000
`)

	db := testStoreForBootstrap(t)
	registry := fleet.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := LoadRoster(path, db, registry, slog.New(slog.NewTextHandler(io.Discard, nil)), now); err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}

	a, ok := registry.Get("gpu-1")
	if !ok {
		t.Fatal("expected gpu-1 to be seeded")
	}
	if a.URL != "http://10.0.0.5:9000" {
		t.Fatalf("URL = %q, want http://10.0.0.5:9000", a.URL)
	}
	if _, ok := registry.Get("gpu-2"); !ok {
		t.Fatal("expected gpu-2 to be seeded")
	}
}

func TestLoadRosterMissingFileIsNotAnError(t *testing.T) {
	db := testStoreForBootstrap(t)
	registry := fleet.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := LoadRoster(filepath.Join(t.TempDir(), "missing.yaml"), db, registry,
		slog.New(slog.NewTextHandler(io.Discard, nil)), time.Now())
	if err != nil {
		t.Fatalf("LoadRoster with missing file: %v", err)
	}
	if len(registry.All()) != 0 {
		t.Fatalf("expected empty registry, got %d entries", len(registry.All()))
	}
}

func TestLoadRosterOverrideRemovesFileEntry(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "roster.yaml", `
agents:
  - agent_id: gpu-1
    url: http://10.0.0.5:9000
`)

	db := testStoreForBootstrap(t)
	if err := db.PutRosterEntry(store.RosterEntry{AgentID: "gpu-1", Removed: true}); err != nil {
		t.Fatalf("PutRosterEntry: %v", err)
	}

	registry := fleet.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := LoadRoster(path, db, registry, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Now()); err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}

	if _, ok := registry.Get("gpu-1"); ok {
		t.Fatal("expected gpu-1 to be removed by admin override")
	}
}

func TestLoadAllowedImagesSeedsFromFileWhenStoreEmpty(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "allowed_images.yaml", `
images:
  - mcr.microsoft.com/windows/servercore
  - myregistry/rdp-base
`)

	db := testStoreForBootstrap(t)
	if err := LoadAllowedImages(path, db); err != nil {
		t.Fatalf("LoadAllowedImages: %v", err)
	}

	got, err := db.GetAllowedImages()
	if err != nil {
		t.Fatalf("GetAllowedImages: %v", err)
	}
	if len(got) != 2 || got[0] != "mcr.microsoft.com/windows/servercore" {
		t.Fatalf("got %v", got)
	}
}

func TestLoadAllowedImagesDoesNotOverwriteExistingList(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "allowed_images.yaml", `
images:
  - from-file
`)

	db := testStoreForBootstrap(t)
	if err := db.SetAllowedImages([]string{"from-admin"}); err != nil {
		t.Fatalf("SetAllowedImages: %v", err)
	}

	if err := LoadAllowedImages(path, db); err != nil {
		t.Fatalf("LoadAllowedImages: %v", err)
	}

	got, err := db.GetAllowedImages()
	if err != nil {
		t.Fatalf("GetAllowedImages: %v", err)
	}
	if len(got) != 1 || got[0] != "from-admin" {
		t.Fatalf("got %v, want admin-set list preserved", got)
	}
}

func TestLoadAllowedImagesMissingFileIsNotAnError(t *testing.T) {
	db := testStoreForBootstrap(t)
	err := LoadAllowedImages(filepath.Join(t.TempDir(), "missing.yaml"), db)
	if err != nil {
		t.Fatalf("LoadAllowedImages with missing file: %v", err)
	}
}
