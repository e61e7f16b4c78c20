package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/garment-measure/internal/history"
	"github.com/example/garment-measure/internal/imagedata"
	"github.com/example/garment-measure/internal/measure"
	"github.com/example/garment-measure/internal/preprocess"
)

// MaxUploadSize bounds a single uploaded photo.
const MaxUploadSize = 10 << 20

// maxJSONBodySize leaves room for base64 expansion of a MaxUploadSize photo.
const maxJSONBodySize = MaxUploadSize/3*4 + 64<<10

const multipartOverhead = 1 << 20

// Measurer processes a measurement request.
type Measurer interface {
	Process(ctx context.Context, req measure.Request) (*measure.Response, error)
}

// Recorder is the history surface used by the handlers.
type Recorder interface {
	RecordAsync(ctx context.Context, log *history.MeasurementLog)
	Latest(ctx context.Context, productID string, sequenceID int) (*history.MeasurementLog, error)
	MetricsSummary(ctx context.Context) (*history.MetricsSummary, error)
}

// Handler serves the measurement API. history may be nil.
type Handler struct {
	measurer Measurer
	history  Recorder
	contract preprocess.Contract
	logger   *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(measurer Measurer, recorder Recorder, contract preprocess.Contract, logger *zap.Logger) *Handler {
	return &Handler{
		measurer: measurer,
		history:  recorder,
		contract: contract,
		logger:   logger.Named("http_handler"),
	}
}

var errInvalidSequence = errors.New("invalid sequence id")

type measureBody struct {
	Image      string          `json:"image"`
	ProductID  string          `json:"productId"`
	SequenceID json.RawMessage `json:"sequenceId"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Middleware, such
// as bearer auth, applies to the /api group only.
func RegisterRoutes(router *gin.Engine, h *Handler, middleware ...gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", middleware...)
	api.POST("/measure", h.measure)
	api.GET("/preprocess", func(c *gin.Context) {
		c.JSON(http.StatusOK, h.contract)
	})
	api.GET("/measurements/:productId/:sequenceId", h.latest)
	api.GET("/metrics", h.metrics)
}

func (h *Handler) measure(c *gin.Context) {
	var (
		req    measure.Request
		status int
		err    error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		req, status, err = h.readMultipart(c)
	} else {
		req, status, err = h.readJSON(c)
	}
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	req.RequestID = RequestID(c)

	resp, err := h.measurer.Process(c.Request.Context(), req)
	if err != nil {
		var inputErr *measure.InputError
		if errors.As(err, &inputErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": inputErr.Reason})
			return
		}
		h.logger.Error("measurement failed", zap.String("request_id", req.RequestID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if h.history != nil {
		h.history.RecordAsync(c.Request.Context(), history.NewLog(req, resp))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) readJSON(c *gin.Context) (measure.Request, int, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxJSONBodySize)

	var body measureBody
	if err := c.ShouldBindJSON(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return measure.Request{}, http.StatusRequestEntityTooLarge, errors.New("request body too large")
		}
		if errors.Is(err, io.EOF) {
			return measure.Request{}, http.StatusBadRequest, errors.New(measure.ReasonMissingFields)
		}
		return measure.Request{}, http.StatusBadRequest, errors.New("invalid request body")
	}
	if strings.TrimSpace(body.Image) == "" || strings.TrimSpace(body.ProductID) == "" {
		return measure.Request{}, http.StatusBadRequest, errors.New(measure.ReasonMissingFields)
	}

	seq, err := parseSequenceID(unquote(body.SequenceID))
	if err != nil {
		return measure.Request{}, http.StatusBadRequest, errors.New(measure.ReasonInvalidSequence)
	}
	return measure.Request{Image: body.Image, ProductID: body.ProductID, SequenceID: seq}, 0, nil
}

func (h *Handler) readMultipart(c *gin.Context) (measure.Request, int, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return measure.Request{}, http.StatusRequestEntityTooLarge, errors.New("image exceeds upload limit")
		}
		return measure.Request{}, http.StatusBadRequest, errors.New(measure.ReasonMissingFields)
	}
	if file.Size > MaxUploadSize {
		return measure.Request{}, http.StatusRequestEntityTooLarge, errors.New("image exceeds upload limit")
	}
	contentType := file.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return measure.Request{}, http.StatusUnsupportedMediaType, errors.New("unsupported image content type")
	}

	productID := c.PostForm("productId")
	if strings.TrimSpace(productID) == "" {
		return measure.Request{}, http.StatusBadRequest, errors.New(measure.ReasonMissingFields)
	}
	seq, err := parseSequenceID(c.PostForm("sequenceId"))
	if err != nil {
		return measure.Request{}, http.StatusBadRequest, errors.New(measure.ReasonInvalidSequence)
	}

	data, err := readFile(file)
	if err != nil {
		return measure.Request{}, http.StatusBadRequest, errors.New("unable to read image")
	}
	if len(data) == 0 {
		return measure.Request{}, http.StatusBadRequest, errors.New(measure.ReasonMissingFields)
	}
	return measure.Request{
		Image:      imagedata.EncodeDataURL(data, contentType),
		ProductID:  productID,
		SequenceID: seq,
	}, 0, nil
}

func (h *Handler) latest(c *gin.Context) {
	productID := c.Param("productId")
	seq, err := parseSequenceID(c.Param("sequenceId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": measure.ReasonInvalidSequence})
		return
	}
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "measurement not found"})
		return
	}

	log, err := h.history.Latest(c.Request.Context(), productID, seq)
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "measurement not found"})
		return
	}
	if err != nil {
		h.logger.Error("history lookup failed", zap.String("product_id", productID), zap.Int("sequence_id", seq), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *Handler) metrics(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is disabled"})
		return
	}
	summary, err := h.history.MetricsSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("metrics summary failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// parseSequenceID defaults an absent value to 1. Range checks are left to
// the orchestrator.
func parseSequenceID(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return 1, nil
	}
	seq, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errInvalidSequence
	}
	return seq, nil
}

// unquote accepts a JSON string or number.
func unquote(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func readFile(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}
