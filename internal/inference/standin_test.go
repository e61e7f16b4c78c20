package inference

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStandInIsDeterministic(t *testing.T) {
	s := NewStandIn(0)
	first, err := s.Infer(context.Background(), "image-a")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	second, _ := s.Infer(context.Background(), "image-b")

	if first.Measurements != second.Measurements {
		t.Fatalf("expected identical measurements, got %+v and %+v", first.Measurements, second.Measurements)
	}
	if first.Measurements.TotalLength != 72.5 || first.Measurements.ChestWidth != 54.0 || first.Measurements.ShoulderWidth != 46.5 {
		t.Fatalf("unexpected stand-in values: %+v", first.Measurements)
	}
	if first.AnnotatedImage != "image-a" || second.AnnotatedImage != "image-b" {
		t.Fatal("expected the submitted image to be echoed back")
	}
	if first.Unit != Unit {
		t.Fatalf("unexpected unit: %s", first.Unit)
	}
}

func TestStandInDelayHonoursContext(t *testing.T) {
	s := NewStandIn(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := s.Infer(ctx, "image"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
