package inference

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/garment-measure/internal/logging"
)

// MeasureMethod is the unary method served by self-hosted measurement
// models. Request and response are google.protobuf.Struct values shaped
// like the hosted model's input and output.
const MeasureMethod = "/garment.v1.Measurer/Measure"

// DialGRPC returns a ready-to-use backend for a self-hosted model.
func DialGRPC(ctx context.Context, addr, model string, logger *zap.Logger) (*GRPC, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("inference.grpc.dial", "", err)
		logger.Error("failed to dial measurement model", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewGRPC(conn, model, logger), conn, nil
}

// GRPC calls a measurement model over gRPC.
type GRPC struct {
	conn   grpc.ClientConnInterface
	model  string
	logger *zap.Logger
}

// NewGRPC wraps an existing connection.
func NewGRPC(conn grpc.ClientConnInterface, model string, logger *zap.Logger) *GRPC {
	return &GRPC{conn: conn, model: model, logger: logger.Named("inference_grpc")}
}

// Infer implements Inferencer.
func (g *GRPC) Infer(ctx context.Context, image string) (*Result, error) {
	req, err := structpb.NewStruct(map[string]any{
		"model": g.model,
		"image": image,
	})
	if err != nil {
		return nil, logging.NewOperationError("inference.grpc.request", "", err)
	}

	resp := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, MeasureMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("inference.grpc.measure", "", err)
		g.logger.Warn("measurement call failed", zap.String("model", g.model), zap.Error(wrapped))
		return nil, wrapped
	}

	result, err := decodeOutput(resp.AsMap())
	if err != nil {
		return nil, logging.NewOperationError("inference.grpc.decode", "", err)
	}
	return result, nil
}
