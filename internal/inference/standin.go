package inference

import (
	"context"
	"time"
)

// Fixed values returned when no live backend is configured.
var standInMeasurements = Measurements{
	TotalLength:   72.5,
	ChestWidth:    54.0,
	ShoulderWidth: 46.5,
}

// StandIn is a deterministic substitute for a live model. It echoes the
// submitted image back as the annotated image.
type StandIn struct {
	delay time.Duration
}

// NewStandIn returns a stand-in that waits delay before answering, to
// mimic live latency.
func NewStandIn(delay time.Duration) *StandIn {
	return &StandIn{delay: delay}
}

// Infer implements Inferencer.
func (s *StandIn) Infer(ctx context.Context, image string) (*Result, error) {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return &Result{
		Measurements:   standInMeasurements,
		AnnotatedImage: image,
		Unit:           Unit,
	}, nil
}
