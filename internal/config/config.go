// Package config loads engine configuration from the environment and opens
// the configured persistence and archive backends.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"stagecore/internal/infra/blob"
	blobfs "stagecore/internal/infra/blob/fs"
	blobmemory "stagecore/internal/infra/blob/memory"
	blobs3 "stagecore/internal/infra/blob/s3"
	persistmemory "stagecore/internal/infra/persistence/memory"
	"stagecore/internal/infra/persistence/postgres"
	"stagecore/internal/infra/persistence/sqlite"
	"stagecore/pkg/domain"
)

// Config is the environment-derived engine configuration.
type Config struct {
	// PersistenceDriver selects the write-through backend: memory, sqlite,
	// or postgres.
	PersistenceDriver string `env:"STAGECORE_PERSISTENCE_DRIVER" envDefault:"memory"`
	SQLitePath        string `env:"STAGECORE_SQLITE_PATH"        envDefault:"stagecore.db"`
	PostgresDSN       string `env:"STAGECORE_POSTGRES_DSN"`

	// BlobDriver selects the snapshot archive backend: none, memory, fs,
	// or s3.
	BlobDriver  string `env:"STAGECORE_BLOB_DRIVER"        envDefault:"none"`
	BlobRoot    string `env:"STAGECORE_BLOB_FS_ROOT"       envDefault:"./stagecore-blobs"`
	S3Bucket    string `env:"STAGECORE_BLOB_S3_BUCKET"`
	S3Region    string `env:"STAGECORE_BLOB_S3_REGION"     envDefault:"us-east-1"`
	S3Endpoint  string `env:"STAGECORE_BLOB_S3_ENDPOINT"`
	S3PathStyle bool   `env:"STAGECORE_BLOB_S3_PATH_STYLE" envDefault:"false"`

	HeartbeatInterval time.Duration `env:"STAGECORE_HEARTBEAT_INTERVAL" envDefault:"30s"`
	StreamBuffer      int           `env:"STAGECORE_STREAM_BUFFER"      envDefault:"16"`

	// TimelineStart/TimelineEnd pin the default timeline range for stages
	// with no persisted state. Both empty means the current UTC day.
	TimelineStart string `env:"STAGECORE_TIMELINE_START"`
	TimelineEnd   string `env:"STAGECORE_TIMELINE_END"`
}

// Load parses the configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// OpenPersistence constructs the configured write-through store.
func (c Config) OpenPersistence(ctx context.Context) (domain.PersistenceStore, error) {
	switch c.PersistenceDriver {
	case "", "memory":
		return persistmemory.NewStore(), nil
	case "sqlite":
		return sqlite.NewStore(c.SQLitePath)
	case "postgres":
		return postgres.NewStore(ctx, c.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", c.PersistenceDriver)
	}
}

// OpenBlobStore constructs the configured snapshot archive. The boolean is
// false when archival is disabled.
func (c Config) OpenBlobStore(ctx context.Context) (blob.Store, bool, error) {
	switch c.BlobDriver {
	case "", "none":
		return nil, false, nil
	case "memory":
		return blobmemory.NewStore(), true, nil
	case "fs":
		store, err := blobfs.NewStore(c.BlobRoot)
		return store, err == nil, err
	case "s3":
		store, err := blobs3.New(ctx, blobs3.Config{
			Bucket:    c.S3Bucket,
			Region:    c.S3Region,
			Endpoint:  c.S3Endpoint,
			PathStyle: c.S3PathStyle,
		})
		return store, err == nil, err
	default:
		return nil, false, fmt.Errorf("unknown blob driver %q", c.BlobDriver)
	}
}

// DefaultTimeline parses the configured timeline range. The boolean is false
// when no range is configured and the engine should fall back to the current
// UTC day.
func (c Config) DefaultTimeline() (domain.TimeRange, bool, error) {
	if c.TimelineStart == "" && c.TimelineEnd == "" {
		return domain.TimeRange{}, false, nil
	}
	start, err := time.Parse(time.RFC3339, c.TimelineStart)
	if err != nil {
		return domain.TimeRange{}, false, fmt.Errorf("parse timeline start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, c.TimelineEnd)
	if err != nil {
		return domain.TimeRange{}, false, fmt.Errorf("parse timeline end: %w", err)
	}
	if !end.After(start) {
		return domain.TimeRange{}, false, fmt.Errorf("timeline end %s not after start %s", c.TimelineEnd, c.TimelineStart)
	}
	return domain.TimeRange{Start: start, End: end}, true, nil
}
