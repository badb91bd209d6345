package config_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stagecore/internal/config"
	"stagecore/internal/infra/blob"
	"stagecore/internal/infra/persistence/memory"
	"stagecore/internal/infra/persistence/sqlite"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PersistenceDriver != "memory" {
		t.Fatalf("unexpected persistence driver %q", cfg.PersistenceDriver)
	}
	if cfg.BlobDriver != "none" {
		t.Fatalf("unexpected blob driver %q", cfg.BlobDriver)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("unexpected heartbeat interval %s", cfg.HeartbeatInterval)
	}
	if cfg.StreamBuffer != 16 {
		t.Fatalf("unexpected stream buffer %d", cfg.StreamBuffer)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("STAGECORE_PERSISTENCE_DRIVER", "sqlite")
	t.Setenv("STAGECORE_SQLITE_PATH", "/tmp/engine.db")
	t.Setenv("STAGECORE_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("STAGECORE_STREAM_BUFFER", "4")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PersistenceDriver != "sqlite" || cfg.SQLitePath != "/tmp/engine.db" {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if cfg.HeartbeatInterval != 5*time.Second || cfg.StreamBuffer != 4 {
		t.Fatalf("environment not applied: %+v", cfg)
	}
}

func TestOpenPersistenceMemory(t *testing.T) {
	store, err := config.Config{PersistenceDriver: "memory"}.OpenPersistence(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestOpenPersistenceSQLite(t *testing.T) {
	cfg := config.Config{
		PersistenceDriver: "sqlite",
		SQLitePath:        filepath.Join(t.TempDir(), "engine.db"),
	}
	store, err := cfg.OpenPersistence(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqliteStore, ok := store.(*sqlite.Store)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	defer func() { _ = sqliteStore.Close() }()
	if sqliteStore.Path() != cfg.SQLitePath {
		t.Fatalf("unexpected path %q", sqliteStore.Path())
	}
}

func TestOpenPersistenceUnknownDriver(t *testing.T) {
	if _, err := (config.Config{PersistenceDriver: "bolt"}).OpenPersistence(context.Background()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestDefaultTimeline(t *testing.T) {
	if _, ok, err := (config.Config{}).DefaultTimeline(); err != nil || ok {
		t.Fatalf("unset range must fall back: ok=%v err=%v", ok, err)
	}

	cfg := config.Config{
		TimelineStart: "2026-03-14T00:00:00Z",
		TimelineEnd:   "2026-03-15T00:00:00Z",
	}
	r, ok, err := cfg.DefaultTimeline()
	if err != nil || !ok {
		t.Fatalf("configured range: ok=%v err=%v", ok, err)
	}
	if !r.End.After(r.Start) || r.Start.Format(time.RFC3339) != "2026-03-14T00:00:00Z" {
		t.Fatalf("unexpected range %+v", r)
	}

	cfg.TimelineEnd = "2026-03-13T00:00:00Z"
	if _, _, err := cfg.DefaultTimeline(); err == nil {
		t.Fatalf("inverted range must error")
	}
	cfg.TimelineEnd = "not-a-time"
	if _, _, err := cfg.DefaultTimeline(); err == nil {
		t.Fatalf("malformed end must error")
	}
}

func TestOpenBlobStore(t *testing.T) {
	if _, enabled, err := (config.Config{BlobDriver: "none"}).OpenBlobStore(context.Background()); err != nil || enabled {
		t.Fatalf("none must disable archival, got enabled=%v err=%v", enabled, err)
	}

	store, enabled, err := config.Config{BlobDriver: "memory"}.OpenBlobStore(context.Background())
	if err != nil || !enabled {
		t.Fatalf("memory blob store: enabled=%v err=%v", enabled, err)
	}
	if store.Driver() != blob.DriverMemory {
		t.Fatalf("unexpected driver %q", store.Driver())
	}

	store, enabled, err = config.Config{BlobDriver: "fs", BlobRoot: t.TempDir()}.OpenBlobStore(context.Background())
	if err != nil || !enabled {
		t.Fatalf("fs blob store: enabled=%v err=%v", enabled, err)
	}
	if store.Driver() != blob.DriverFilesystem {
		t.Fatalf("unexpected driver %q", store.Driver())
	}

	if _, _, err := (config.Config{BlobDriver: "tape"}).OpenBlobStore(context.Background()); err == nil {
		t.Fatalf("expected error for unknown blob driver")
	}
}
