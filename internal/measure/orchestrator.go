package measure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/garment-measure/internal/background"
	"github.com/example/garment-measure/internal/imagedata"
	"github.com/example/garment-measure/internal/inference"
	"github.com/example/garment-measure/internal/logging"
	"github.com/example/garment-measure/internal/objectstore"
	"github.com/example/garment-measure/internal/preprocess"
)

const (
	defaultStoreTimeout     = 30 * time.Second
	defaultInferenceTimeout = 60 * time.Second
)

// Options tunes an Orchestrator. Zero values select defaults.
type Options struct {
	StoreTimeout     time.Duration
	InferenceTimeout time.Duration
	Contract         preprocess.Contract
}

// Orchestrator coordinates the storage and inference calls of a request.
// It holds no per-request state and is safe for concurrent use.
type Orchestrator struct {
	store            objectstore.Writer
	inferencer       inference.Inferencer
	background       background.Executor
	contract         preprocess.Contract
	storeTimeout     time.Duration
	inferenceTimeout time.Duration
	logger           *zap.Logger
}

// NewOrchestrator constructs an orchestrator from its collaborators.
func NewOrchestrator(store objectstore.Writer, inferencer inference.Inferencer, bg background.Executor, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = defaultInferenceTimeout
	}
	if opts.Contract.MaxDimension == 0 {
		opts.Contract = preprocess.Default()
	}
	return &Orchestrator{
		store:            store,
		inferencer:       inferencer,
		background:       bg,
		contract:         opts.Contract,
		storeTimeout:     opts.StoreTimeout,
		inferenceTimeout: opts.InferenceTimeout,
		logger:           logger.Named("measure_orchestrator"),
	}
}

// Process runs one request. Storage and inference failures are reported in
// the Response; the error is non-nil only for an InputError (nothing was
// dispatched) or ErrInternal.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	opLogger := logging.WithOperation(o.logger, "measure.process", requestID)
	start := time.Now()
	paths := KeysFor(req.ProductID, req.SequenceID)

	var (
		wg       sync.WaitGroup
		storeErr error
		inferErr error
		result   *inference.Result
		faults   = make(chan error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer recoverInto(faults, "store_original")
		storeErr = o.storeOriginal(ctx, requestID, req.Image, paths.Original)
	}()
	go func() {
		defer wg.Done()
		defer recoverInto(faults, "infer")
		result, inferErr = o.infer(ctx, requestID, req.Image)
	}()
	wg.Wait()
	close(faults)

	for fault := range faults {
		wrapped := logging.NewOperationError("measure.process", requestID, fault)
		opLogger.Error("task panicked", zap.Error(wrapped))
		return nil, wrapped
	}
	if inferErr == nil && result == nil {
		wrapped := logging.NewOperationError("measure.infer", requestID, fmt.Errorf("%w: inferencer returned no result", ErrInternal))
		opLogger.Error("malformed inference outcome", zap.Error(wrapped))
		return nil, wrapped
	}

	if inferErr == nil {
		o.dispatchAnnotated(ctx, requestID, paths.Analyzed, result.AnnotatedImage)
	}

	resp := o.shape(paths, storeErr, inferErr, result)
	resp.RequestID = requestID
	resp.Latency = time.Since(start)

	opLogger.Info("measurement processed",
		zap.String("product_id", req.ProductID),
		zap.Int("sequence_id", req.SequenceID),
		zap.Bool("success", resp.Success),
		zap.Bool("stored", storeErr == nil),
		zap.Bool("inferred", inferErr == nil),
		zap.Duration("latency", resp.Latency),
	)
	return resp, nil
}

func (o *Orchestrator) storeOriginal(ctx context.Context, requestID, encoded, key string) error {
	opLogger := logging.WithOperation(o.logger, "measure.store_original", requestID)

	data, contentType, err := imagedata.Decode(encoded)
	if err != nil {
		wrapped := logging.NewOperationError("measure.decode_image", requestID, err)
		opLogger.Warn("image decode failed", zap.Error(wrapped))
		return wrapped
	}

	if report, err := o.contract.Inspect(data); err != nil {
		opLogger.Debug("image header unreadable", zap.Error(err))
	} else if report.Oversized {
		opLogger.Warn("image exceeds client preprocessing contract",
			zap.Int("width", report.Width),
			zap.Int("height", report.Height),
			zap.Int("max_dimension", o.contract.MaxDimension),
		)
	}

	storeCtx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	if err := o.store.Put(storeCtx, key, data, contentType); err != nil {
		wrapped := logging.NewOperationError("measure.store_original", requestID, err)
		opLogger.Error("original upload failed", zap.String("key", key), zap.Error(wrapped))
		return wrapped
	}
	return nil
}

func (o *Orchestrator) infer(ctx context.Context, requestID, encoded string) (*inference.Result, error) {
	inferCtx, cancel := context.WithTimeout(ctx, o.inferenceTimeout)
	defer cancel()

	result, err := o.inferencer.Infer(inferCtx, encoded)
	if err != nil {
		wrapped := logging.NewOperationError("measure.infer", requestID, err)
		logging.WithOperation(o.logger, "measure.infer", requestID).Error("inference failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return result, nil
}

// dispatchAnnotated hands the annotated image to the background executor.
// Nothing here reaches the response.
func (o *Orchestrator) dispatchAnnotated(ctx context.Context, requestID, key, encoded string) {
	opLogger := logging.WithOperation(o.logger, "measure.store_annotated", requestID)

	data, contentType, err := imagedata.Decode(encoded)
	if err != nil {
		opLogger.Error("annotated image decode failed", zap.String("key", key), zap.Error(err))
		return
	}
	job := background.Job{RequestID: requestID, Key: key, Data: data, ContentType: contentType}
	if err := o.background.Submit(ctx, job); err != nil {
		opLogger.Error("annotated image dispatch failed", zap.String("key", key), zap.Error(err))
	}
}

func (o *Orchestrator) shape(paths Paths, storeErr, inferErr error, result *inference.Result) *Response {
	resp := &Response{
		Success: storeErr == nil && inferErr == nil,
		Errors:  []string{},
		Paths:   paths,
		Unit:    inference.Unit,
	}
	if storeErr != nil {
		resp.Errors = append(resp.Errors, "Storage upload failed: "+o.describe(storeErr, o.storeTimeout))
	}
	if inferErr != nil {
		resp.Errors = append(resp.Errors, "AI inference failed: "+o.describe(inferErr, o.inferenceTimeout))
		return resp
	}

	measurements := result.Measurements
	annotated := result.AnnotatedImage
	resp.Measurements = &measurements
	resp.AnnotatedImage = &annotated
	return resp
}

func (o *Orchestrator) describe(err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("timed out after %s", timeout)
	}
	return logging.Cause(err)
}

func recoverInto(faults chan<- error, task string) {
	if r := recover(); r != nil {
		faults <- fmt.Errorf("%w: %s task panicked: %v", ErrInternal, task, r)
	}
}
