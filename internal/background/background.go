// Package background runs detached object writes whose outcome never
// reaches the request that produced them. Failures end up in the logs and
// in an optional error handler.
package background

import (
	"context"
	"errors"

	"github.com/example/garment-measure/internal/logging"
	"github.com/example/garment-measure/internal/objectstore"
)

// Job is one detached object write.
type Job struct {
	RequestID   string `json:"request_id"`
	Key         string `json:"key"`
	Data        []byte `json:"data"`
	ContentType string `json:"content_type"`
}

// Executor accepts jobs without waiting for them to run.
type Executor interface {
	Submit(ctx context.Context, job Job) error
	Close(ctx context.Context) error
}

// ErrorHandler observes failed jobs.
type ErrorHandler func(job Job, err error)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("executor closed")

const operationStore = "background.store_object"

func store(ctx context.Context, writer objectstore.Writer, job Job) error {
	err := writer.Put(ctx, job.Key, job.Data, job.ContentType)
	return logging.NewOperationError(operationStore, job.RequestID, err)
}
