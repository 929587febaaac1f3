package catalog

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"mime"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/imageurl"
	"github.com/JakeFAU/imgharvest/internal/storage/local"
)

// FileSystem is the directory-per-category catalog.
type FileSystem struct {
	blobs  *local.BlobStore
	logger *zap.Logger
}

// NewFileSystem wraps a local blob store rooted at the workspace.
func NewFileSystem(blobs *local.BlobStore, logger *zap.Logger) *FileSystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSystem{blobs: blobs, logger: logger.Named("catalog.fs")}
}

// Has reports whether the artifact file exists in the category directory.
func (c *FileSystem) Has(ctx context.Context, category, key string) (bool, error) {
	p, err := objectPath(category, key)
	if err != nil {
		return false, err
	}
	ok, err := c.blobs.Exists(ctx, p)
	if err != nil {
		return false, fmt.Errorf("check artifact: %w", err)
	}
	return ok, nil
}

// Count returns the number of image files in the category directory.
func (c *FileSystem) Count(ctx context.Context, category string) (int, error) {
	names, err := c.blobs.List(ctx, category)
	if err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	n := 0
	for _, name := range names {
		if imageurl.HasImageExtension(name) {
			n++
		}
	}
	return n, nil
}

// Save writes the body atomically into the category directory.
func (c *FileSystem) Save(ctx context.Context, category, key string, body []byte) error {
	p, err := objectPath(category, key)
	if err != nil {
		return err
	}
	if _, err := c.blobs.PutObject(ctx, p, mime.TypeByExtension(path.Ext(key)), bytes.NewReader(body)); err != nil {
		return fmt.Errorf("save artifact %s: %w", p, err)
	}
	return nil
}

// SaveMeta appends a key,url line to the category's meta.csv. The log does
// not enforce uniqueness, so it always reports the record as new.
func (c *FileSystem) SaveMeta(ctx context.Context, category, key, url string) (bool, error) {
	if _, err := objectPath(category, key); err != nil {
		return false, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{key, url}); err != nil {
		return false, fmt.Errorf("encode meta line: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return false, fmt.Errorf("encode meta line: %w", err)
	}
	if err := c.blobs.AppendObject(ctx, path.Join(category, MetaFile), buf.Bytes()); err != nil {
		return false, fmt.Errorf("append meta: %w", err)
	}
	return true, nil
}

// Close implements crawler.Catalog.
func (c *FileSystem) Close() error {
	return nil
}
