package inference

import (
	"context"
	"errors"

	"github.com/replicate/replicate-go"
	"go.uber.org/zap"

	"github.com/example/garment-measure/internal/logging"
)

// Replicate runs the hosted measurement model. The model identifier is
// "owner/name" or "owner/name:version".
type Replicate struct {
	model  string
	run    func(ctx context.Context, input replicate.PredictionInput) (replicate.PredictionOutput, error)
	logger *zap.Logger
}

// NewReplicate builds a backend authenticated with token.
func NewReplicate(token, model string, logger *zap.Logger) (*Replicate, error) {
	if token == "" {
		return nil, errors.New("replicate: api token is required")
	}
	if model == "" {
		return nil, errors.New("replicate: model identifier is required")
	}
	client, err := replicate.NewClient(replicate.WithToken(token))
	if err != nil {
		return nil, logging.NewOperationError("inference.replicate.new", "", err)
	}
	return &Replicate{
		model: model,
		run: func(ctx context.Context, input replicate.PredictionInput) (replicate.PredictionOutput, error) {
			return client.Run(ctx, model, input, nil)
		},
		logger: logger.Named("inference_replicate"),
	}, nil
}

// Infer submits the image and waits for the prediction to finish.
func (r *Replicate) Infer(ctx context.Context, image string) (*Result, error) {
	output, err := r.run(ctx, replicate.PredictionInput{"image": image})
	if err != nil {
		wrapped := logging.NewOperationError("inference.replicate.run", "", err)
		r.logger.Warn("prediction failed", zap.String("model", r.model), zap.Error(wrapped))
		return nil, wrapped
	}
	result, err := decodeOutput(output)
	if err != nil {
		return nil, logging.NewOperationError("inference.replicate.decode", "", err)
	}
	return result, nil
}
