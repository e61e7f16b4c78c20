package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/example/garment-measure/internal/logging"
)

// Local writes objects below a directory, one file per key. Content type is
// not persisted. Intended for development without a bucket.
type Local struct {
	root   string
	logger *zap.Logger
}

// NewLocal creates the root directory if needed.
func NewLocal(root string, logger *zap.Logger) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, logging.NewOperationError("objectstore.local.new", "", err)
	}
	return &Local{root: root, logger: logger.Named("objectstore_local")}, nil
}

// Put writes data to root/key through a temp file and rename.
func (l *Local) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return logging.NewOperationError("objectstore.local.put", "", err)
	}

	path := filepath.Join(l.root, filepath.FromSlash(key))
	if rel, err := filepath.Rel(l.root, path); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return logging.NewOperationError("objectstore.local.put", "", fmt.Errorf("key %q escapes store root", key))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return logging.NewOperationError("objectstore.local.put", "", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return logging.NewOperationError("objectstore.local.put", "", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return logging.NewOperationError("objectstore.local.put", "", err)
	}
	if err := tmp.Close(); err != nil {
		return logging.NewOperationError("objectstore.local.put", "", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return logging.NewOperationError("objectstore.local.put", "", err)
	}

	l.logger.Debug("object stored", zap.String("path", path), zap.Int("size", len(data)), zap.String("content_type", contentType))
	return nil
}
