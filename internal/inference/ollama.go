package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"github.com/example/garment-measure/internal/annotate"
	"github.com/example/garment-measure/internal/imagedata"
	"github.com/example/garment-measure/internal/logging"
)

const ollamaPrompt = `The photo shows a garment laid flat next to an A4 sheet of paper (210 x 297 mm) used as a scale reference.
Measure the garment in centimetres:
- total_length: from the centre of the collar to the centre of the hem
- chest_width: between the left and right armpit points
- shoulder_width: between the left and right shoulder points
Respond only with JSON: {"total_length": number, "chest_width": number, "shoulder_width": number}`

// Ollama asks a local vision model for the measurements and renders the
// annotated image itself.
type Ollama struct {
	client   *api.Client
	model    string
	annotate annotate.Options
	logger   *zap.Logger
}

// NewOllama builds a backend for the ollama server at rawURL.
func NewOllama(rawURL, model string, logger *zap.Logger) (*Ollama, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", rawURL)
	}
	if model == "" {
		return nil, errors.New("ollama: model is required")
	}
	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	return &Ollama{
		client:   api.NewClient(base, http.DefaultClient),
		model:    model,
		annotate: annotate.Options{Quality: 85},
		logger:   logger.Named("inference_ollama"),
	}, nil
}

// Infer implements Inferencer.
func (o *Ollama) Infer(ctx context.Context, image string) (*Result, error) {
	imgBytes, _, err := imagedata.Decode(image)
	if err != nil {
		return nil, logging.NewOperationError("inference.ollama.decode_image", "", err)
	}

	stream := false
	req := &api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{{
			Role:    "user",
			Content: ollamaPrompt,
			Images:  []api.ImageData{api.ImageData(imgBytes)},
		}},
		Stream:  &stream,
		Format:  json.RawMessage(`"json"`),
		Options: map[string]any{"temperature": 0},
	}

	var content strings.Builder
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		wrapped := logging.NewOperationError("inference.ollama.chat", "", err)
		o.logger.Warn("chat failed", zap.String("model", o.model), zap.Error(wrapped))
		return nil, wrapped
	}

	m, err := parseOllamaMeasurements(content.String())
	if err != nil {
		return nil, logging.NewOperationError("inference.ollama.parse", "", err)
	}

	rendered, err := annotate.Render(imgBytes, labels(m), o.annotate)
	if err != nil {
		return nil, logging.NewOperationError("inference.ollama.annotate", "", err)
	}

	return &Result{
		Measurements:   m,
		AnnotatedImage: imagedata.EncodeDataURL(rendered, "image/jpeg"),
		Unit:           Unit,
	}, nil
}

func parseOllamaMeasurements(content string) (Measurements, error) {
	content = strings.TrimSpace(content)
	// Models sometimes wrap JSON in prose or code fences.
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		content = content[start : end+1]
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Measurements{}, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	m, err := decodeMeasurements(raw)
	if err != nil {
		return Measurements{}, err
	}
	if m.TotalLength <= 0 || m.ChestWidth <= 0 || m.ShoulderWidth <= 0 {
		return Measurements{}, fmt.Errorf("%w: non-positive measurement", ErrResponseInvalid)
	}
	return m, nil
}

func labels(m Measurements) []string {
	return []string{
		fmt.Sprintf("Length:   %.1f %s", m.TotalLength, Unit),
		fmt.Sprintf("Chest:    %.1f %s", m.ChestWidth, Unit),
		fmt.Sprintf("Shoulder: %.1f %s", m.ShoulderWidth, Unit),
	}
}
