package background

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/example/garment-measure/internal/logging"
	"github.com/example/garment-measure/internal/objectstore"
)

// TypeStoreObject is the asynq task type for detached object writes.
const TypeStoreObject = "objectstore:put"

// Queue hands jobs to a redis backed asynq queue. A Worker, usually in the
// same process, performs the writes.
type Queue struct {
	client  *asynq.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewQueue connects lazily to redis at addr.
func NewQueue(redisAddr string, timeout time.Duration, logger *zap.Logger) *Queue {
	return &Queue{
		client:  asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		timeout: timeout,
		logger:  logger.Named("background_queue"),
	}
}

// NewStoreTask encodes job as a task. Tasks are never retried.
func NewStoreTask(job Job, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeStoreObject, payload, asynq.MaxRetry(0), asynq.Timeout(timeout)), nil
}

// Submit enqueues the job.
func (q *Queue) Submit(ctx context.Context, job Job) error {
	task, err := NewStoreTask(job, q.timeout)
	if err != nil {
		return logging.NewOperationError("background.enqueue", job.RequestID, err)
	}
	info, err := q.client.EnqueueContext(context.WithoutCancel(ctx), task)
	if err != nil {
		return logging.NewOperationError("background.enqueue", job.RequestID, err)
	}
	logging.WithOperation(q.logger, "background.enqueue", job.RequestID).Debug("detached write enqueued",
		zap.String("task_id", info.ID),
		zap.String("key", job.Key),
	)
	return nil
}

// Close releases the redis connection.
func (q *Queue) Close(context.Context) error {
	return q.client.Close()
}

// StoreHandler performs TypeStoreObject tasks.
type StoreHandler struct {
	writer  objectstore.Writer
	logger  *zap.Logger
	onError ErrorHandler
}

// NewStoreHandler builds a task handler writing to writer. onError may be nil.
func NewStoreHandler(writer objectstore.Writer, logger *zap.Logger, onError ErrorHandler) *StoreHandler {
	return &StoreHandler{writer: writer, logger: logger.Named("background_worker"), onError: onError}
}

// ProcessTask implements asynq.Handler.
func (h *StoreHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var job Job
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("decode store task: %v: %w", err, asynq.SkipRetry)
	}
	if err := store(ctx, h.writer, job); err != nil {
		logging.WithOperation(h.logger, operationStore, job.RequestID).Error("detached write failed",
			zap.String("key", job.Key), zap.Error(err))
		if h.onError != nil {
			h.onError(job, err)
		}
		return err
	}
	logging.WithOperation(h.logger, operationStore, job.RequestID).Info("detached write stored",
		zap.String("key", job.Key), zap.Int("size", len(job.Data)))
	return nil
}

// Worker consumes the queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker builds a worker for redisAddr serving handler.
func NewWorker(redisAddr string, concurrency int, handler *StoreHandler, logger *zap.Logger) *Worker {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr},
		asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{"default": 1},
			Logger:      logger.Named("asynq").Sugar(),
		},
	)
	mux := asynq.NewServeMux()
	mux.Handle(TypeStoreObject, handler)
	return &Worker{server: server, mux: mux}
}

// Start begins processing in the background.
func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

// Shutdown waits for active tasks and stops the worker.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}
