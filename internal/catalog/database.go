package catalog

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/storage"
	"github.com/JakeFAU/imgharvest/internal/storage/postgres"
)

// Database indexes artifacts in Postgres and keeps bodies in a blob store.
type Database struct {
	records    *postgres.RecordStore
	blobs      storage.BlobStore
	engine     storage.Engine
	logger     *zap.Logger
	closeBlobs func() error
}

// NewDatabase wires a record store and a blob store together. engine is
// recorded with every inserted row.
func NewDatabase(records *postgres.RecordStore, blobs storage.BlobStore, engine storage.Engine, logger *zap.Logger) *Database {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Database{
		records: records,
		blobs:   blobs,
		engine:  engine,
		logger:  logger.Named("catalog.db"),
	}
}

// Has reports whether the record exists.
func (c *Database) Has(ctx context.Context, category, key string) (bool, error) {
	ok, err := c.records.Exists(ctx, category, key)
	if err != nil {
		return false, fmt.Errorf("check artifact: %w", err)
	}
	return ok, nil
}

// Count returns the number of records for the category.
func (c *Database) Count(ctx context.Context, category string) (int, error) {
	n, err := c.records.CountByCategory(ctx, category)
	if err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return n, nil
}

// Save writes the body to the blob store.
func (c *Database) Save(ctx context.Context, category, key string, body []byte) error {
	p, err := objectPath(category, key)
	if err != nil {
		return err
	}
	uri, err := c.blobs.PutObject(ctx, p, mime.TypeByExtension(path.Ext(key)), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("save artifact %s: %w", p, err)
	}
	c.logger.Debug("artifact body stored", zap.String("uri", uri))
	return nil
}

// SaveMeta inserts the record. A uniqueness violation reports false.
func (c *Database) SaveMeta(ctx context.Context, category, key, url string) (bool, error) {
	if _, err := objectPath(category, key); err != nil {
		return false, err
	}
	inserted, err := c.records.Insert(ctx, category, key, url, c.engine)
	if err != nil {
		return false, fmt.Errorf("save meta: %w", err)
	}
	if !inserted {
		c.logger.Debug("record already present", zap.String("category", category), zap.String("key", key))
	}
	return inserted, nil
}

// Close releases the pool and any owned blob client.
func (c *Database) Close() error {
	c.records.Close()
	if c.closeBlobs != nil {
		return c.closeBlobs()
	}
	return nil
}
