// Package storage defines the interfaces for artifact body storage.
// This abstraction lets the catalog persist image bodies on the local
// filesystem or in Google Cloud Storage without branching on the backend.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// BlobStore writes artifact bodies and returns a URI for the stored object.
// Implementations must never expose a partially written object.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Engine tags which blob store holds an artifact body. The value is persisted
// in the catalog's storage_engine column.
type Engine int16

// Supported storage engines.
const (
	EngineLocal  Engine = 0
	EngineGCS    Engine = 1
	EngineMemory Engine = 2
)

// String returns the configuration name of e.
func (e Engine) String() string {
	switch e {
	case EngineLocal:
		return "local"
	case EngineGCS:
		return "gcs"
	case EngineMemory:
		return "memory"
	default:
		return fmt.Sprintf("Engine(%d)", int16(e))
	}
}

// ParseEngine maps a configuration name to an Engine.
func ParseEngine(name string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "local":
		return EngineLocal, nil
	case "gcs":
		return EngineGCS, nil
	case "memory":
		return EngineMemory, nil
	default:
		return 0, fmt.Errorf("unknown blob backend %q", name)
	}
}
