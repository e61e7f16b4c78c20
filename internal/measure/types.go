// Package measure orchestrates one garment measurement request: it stores
// the original photo and runs inference concurrently, then shapes a single
// response that reports full, partial or failed outcomes.
package measure

import (
	"errors"
	"strings"
	"time"

	"github.com/example/garment-measure/internal/inference"
)

// Request is one measurement submission.
type Request struct {
	RequestID  string // generated when empty
	Image      string // base64 or data URL
	ProductID  string
	SequenceID int
}

// Response is the shaped outcome of a request.
type Response struct {
	Success        bool                    `json:"success"`
	Measurements   *inference.Measurements `json:"measurements"`
	AnnotatedImage *string                 `json:"annotated_image"`
	Errors         []string                `json:"errors"`
	Paths          Paths                   `json:"paths"`
	Unit           string                  `json:"unit"`

	RequestID string        `json:"-"`
	Latency   time.Duration `json:"-"`
}

// Client facing reasons carried by InputError.
const (
	ReasonMissingFields    = "Missing image or productId"
	ReasonInvalidSequence  = "Invalid sequenceId"
	ReasonInvalidProductID = "Invalid productId"
)

var (
	// ErrInvalidInput matches every InputError.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInternal marks faults in the orchestrator or a collaborator that
	// break its contract, such as an inferencer returning neither result nor error.
	ErrInternal = errors.New("internal error")
)

// InputError is a precondition violation detected before any dispatch.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return "invalid input: " + e.Reason }

// Is reports whether target is ErrInvalidInput.
func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

func (r Request) validate() error {
	if strings.TrimSpace(r.Image) == "" || strings.TrimSpace(r.ProductID) == "" {
		return &InputError{Reason: ReasonMissingFields}
	}
	if strings.ContainsAny(r.ProductID, `/\`) || r.ProductID == "." || r.ProductID == ".." {
		return &InputError{Reason: ReasonInvalidProductID}
	}
	if r.SequenceID <= 0 {
		return &InputError{Reason: ReasonInvalidSequence}
	}
	return nil
}
