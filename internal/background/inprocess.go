package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/garment-measure/internal/logging"
	"github.com/example/garment-measure/internal/objectstore"
)

// InProcess runs each job on its own goroutine.
type InProcess struct {
	writer  objectstore.Writer
	timeout time.Duration
	logger  *zap.Logger
	onError ErrorHandler

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures an InProcess executor.
type Option func(*InProcess)

// WithErrorHandler registers fn to be called for every failed job.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(e *InProcess) { e.onError = fn }
}

// NewInProcess builds an executor writing to writer, each job bounded by timeout.
func NewInProcess(writer objectstore.Writer, timeout time.Duration, logger *zap.Logger, opts ...Option) *InProcess {
	e := &InProcess{
		writer:  writer,
		timeout: timeout,
		logger:  logger.Named("background_inprocess"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit starts the job and returns immediately. The job keeps running if
// ctx is canceled afterwards.
func (e *InProcess) Submit(ctx context.Context, job Job) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		e.run(runCtx, job)
	}()
	return nil
}

func (e *InProcess) run(ctx context.Context, job Job) {
	opLogger := logging.WithOperation(e.logger, operationStore, job.RequestID)
	start := time.Now()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = logging.NewOperationError(operationStore, job.RequestID, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			opLogger.Error("detached write failed", zap.String("key", job.Key), zap.Error(err))
			if e.onError != nil {
				e.onError(job, err)
			}
			return
		}
		opLogger.Info("detached write stored",
			zap.String("key", job.Key),
			zap.Int("size", len(job.Data)),
			zap.Duration("latency", time.Since(start)),
		)
	}()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	err = store(ctx, e.writer, job)
}

// Close stops accepting jobs and waits for running ones until ctx is done.
func (e *InProcess) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return logging.NewOperationError("background.drain", "", ctx.Err())
	}
}
