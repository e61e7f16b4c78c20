// Package objectstore provides the object writers used to persist original
// and annotated garment images.
package objectstore

import (
	"context"
	"errors"
)

// Writer stores a named binary blob with content-type metadata.
// Implementations must be safe for concurrent use.
type Writer interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// ErrEmptyKey is returned when a write targets an empty key.
var ErrEmptyKey = errors.New("object key is empty")
