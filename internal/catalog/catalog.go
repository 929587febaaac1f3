// Package catalog implements the artifact catalog: the dedup index and body
// storage for harvested images. Two interchangeable backends exist. The
// filesystem backend keeps bodies in <workspace>/<category>/ with an
// append-only meta.csv. The database backend indexes records in Postgres and
// writes bodies to a blob store (local or GCS).
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/crawler"
	"github.com/JakeFAU/imgharvest/internal/imageurl"
	"github.com/JakeFAU/imgharvest/internal/storage"
	"github.com/JakeFAU/imgharvest/internal/storage/gcs"
	"github.com/JakeFAU/imgharvest/internal/storage/local"
	"github.com/JakeFAU/imgharvest/internal/storage/memory"
	"github.com/JakeFAU/imgharvest/internal/storage/postgres"
)

// Backend names accepted by Config.Backend.
const (
	BackendFilesystem = "filesystem"
	BackendPostgres   = "postgres"
)

// MetaFile is the per-category provenance log of the filesystem backend.
const MetaFile = "meta.csv"

// ErrUnsupportedBackend is returned for an unknown backend name or an invalid
// backend combination.
var ErrUnsupportedBackend = errors.New("unsupported catalog backend")

// Config selects and configures a catalog backend.
type Config struct {
	Backend   string
	Workspace string
	// Blob names the body store of the database backend: local, gcs or memory.
	Blob string
	DB   postgres.Config
	GCS  gcs.Config
}

// Open builds the configured catalog.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (crawler.Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Backend) {
	case "", BackendFilesystem:
		engine, err := storage.ParseEngine(cfg.Blob)
		if err != nil {
			return nil, err
		}
		if engine != storage.EngineLocal {
			return nil, fmt.Errorf("%w: filesystem catalog requires local blobs, got %s", ErrUnsupportedBackend, engine)
		}
		blobs, err := local.New(local.Config{BaseDir: cfg.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open workspace: %w", err)
		}
		return NewFileSystem(blobs, logger), nil
	case BackendPostgres:
		blobs, engine, closer, err := openBlobs(ctx, cfg)
		if err != nil {
			return nil, err
		}
		records, err := postgres.NewRecordStore(ctx, cfg.DB)
		if err != nil {
			if closer != nil {
				_ = closer()
			}
			return nil, fmt.Errorf("open record store: %w", err)
		}
		db := NewDatabase(records, blobs, engine, logger)
		db.closeBlobs = closer
		return db, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
}

func openBlobs(ctx context.Context, cfg Config) (storage.BlobStore, storage.Engine, func() error, error) {
	engine, err := storage.ParseEngine(cfg.Blob)
	if err != nil {
		return nil, 0, nil, err
	}
	switch engine {
	case storage.EngineGCS:
		store, err := gcs.Open(ctx, cfg.GCS)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("open gcs blobs: %w", err)
		}
		return store, engine, store.Close, nil
	case storage.EngineMemory:
		return memory.NewBlobStore(), engine, nil, nil
	default:
		store, err := local.New(local.Config{BaseDir: cfg.Workspace})
		if err != nil {
			return nil, 0, nil, fmt.Errorf("open workspace: %w", err)
		}
		return store, engine, nil, nil
	}
}

func objectPath(category, key string) (string, error) {
	if strings.TrimSpace(category) == "" || strings.ContainsAny(category, `/\`) || category == ".." {
		return "", fmt.Errorf("invalid category %q", category)
	}
	clean, err := imageurl.CleanKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(category, clean), nil
}
