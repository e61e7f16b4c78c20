package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/garment-measure/internal/auth"
	"github.com/example/garment-measure/internal/history"
	"github.com/example/garment-measure/internal/inference"
	"github.com/example/garment-measure/internal/measure"
	"github.com/example/garment-measure/internal/preprocess"
)

const testJWTSecret = "test-secret"

type stubMeasurer struct {
	mu   sync.Mutex
	got  []measure.Request
	resp *measure.Response
	err  error
}

func (s *stubMeasurer) Process(ctx context.Context, req measure.Request) (*measure.Response, error) {
	s.mu.Lock()
	s.got = append(s.got, req)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.resp != nil {
		return s.resp, nil
	}
	annotated := "data:image/jpeg;base64,AAAA"
	return &measure.Response{
		Success:        true,
		Measurements:   &inference.Measurements{TotalLength: 72.5, ChestWidth: 54, ShoulderWidth: 46.5},
		AnnotatedImage: &annotated,
		Errors:         []string{},
		Paths:          measure.KeysFor(req.ProductID, req.SequenceID),
		Unit:           inference.Unit,
		RequestID:      req.RequestID,
	}, nil
}

func (s *stubMeasurer) last(t *testing.T) measure.Request {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) == 0 {
		t.Fatalf("expected measurer to be called")
	}
	return s.got[len(s.got)-1]
}

type stubRecorder struct {
	mu       sync.Mutex
	recorded []*history.MeasurementLog
	latest   *history.MeasurementLog
	err      error
	summary  *history.MetricsSummary
}

func (s *stubRecorder) RecordAsync(ctx context.Context, log *history.MeasurementLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, log)
}

func (s *stubRecorder) Latest(ctx context.Context, productID string, sequenceID int) (*history.MeasurementLog, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.latest == nil {
		return nil, history.ErrNotFound
	}
	return s.latest, nil
}

func (s *stubRecorder) MetricsSummary(ctx context.Context) (*history.MetricsSummary, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.summary, nil
}

func newTestRouter(m Measurer, r Recorder, middleware ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	router.Use(RequestLogger(zap.NewNop()))
	RegisterRoutes(router, NewHandler(m, r, preprocess.Default(), zap.NewNop()), middleware...)
	return router
}

func postJSON(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/measure", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", resp.Body.String(), err)
	}
	return body.Error
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&stubMeasurer{}, nil, auth.JWTMiddleware(testJWTSecret, ""))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
}

func TestMeasureJSONSuccess(t *testing.T) {
	measurer := &stubMeasurer{}
	recorder := &stubRecorder{}
	router := newTestRouter(measurer, recorder)

	resp := postJSON(router, `{"image":"data:image/jpeg;base64,AAAA","productId":"SKU-1","sequenceId":"3"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected %s header", RequestIDHeader)
	}

	var body struct {
		Success      bool `json:"success"`
		Measurements struct {
			TotalLength float64 `json:"total_length"`
		} `json:"measurements"`
		Errors []string `json:"errors"`
		Paths  struct {
			Original string `json:"original"`
			Analyzed string `json:"analyzed"`
		} `json:"paths"`
		Unit string `json:"unit"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.Success || body.Unit != "cm" || body.Measurements.TotalLength != 72.5 {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	if body.Errors == nil || len(body.Errors) != 0 {
		t.Fatalf("expected empty errors array, got %v", body.Errors)
	}
	if body.Paths.Original != "SKU-1/SKU-1_3.jpg" || body.Paths.Analyzed != "SKU-1/SKU-1_3_analyzed.jpg" {
		t.Fatalf("unexpected paths: %+v", body.Paths)
	}

	got := measurer.last(t)
	if got.RequestID != resp.Header().Get(RequestIDHeader) {
		t.Fatalf("request id %q does not match header %q", got.RequestID, resp.Header().Get(RequestIDHeader))
	}
	if len(recorder.recorded) != 1 || recorder.recorded[0].ProductID != "SKU-1" || recorder.recorded[0].SequenceID != 3 {
		t.Fatalf("expected one history record for SKU-1/3, got %+v", recorder.recorded)
	}
}

func TestMeasureEchoesIncomingRequestID(t *testing.T) {
	measurer := &stubMeasurer{}
	router := newTestRouter(measurer, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/measure", strings.NewReader(`{"image":"AAAA","productId":"p"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, "client-id-1")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Header().Get(RequestIDHeader) != "client-id-1" {
		t.Fatalf("expected echoed request id, got %q", resp.Header().Get(RequestIDHeader))
	}
	if measurer.last(t).RequestID != "client-id-1" {
		t.Fatalf("expected request id passed to measurer")
	}
}

func TestMeasureSequenceIDForms(t *testing.T) {
	cases := []struct {
		body string
		want int
	}{
		{`{"image":"AAAA","productId":"p","sequenceId":7}`, 7},
		{`{"image":"AAAA","productId":"p","sequenceId":"12"}`, 12},
		{`{"image":"AAAA","productId":"p"}`, 1},
		{`{"image":"AAAA","productId":"p","sequenceId":null}`, 1},
		{`{"image":"AAAA","productId":"p","sequenceId":""}`, 1},
	}
	for _, tc := range cases {
		measurer := &stubMeasurer{}
		resp := postJSON(newTestRouter(measurer, nil), tc.body)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected status %d, got %d", tc.body, http.StatusOK, resp.Code)
		}
		if got := measurer.last(t).SequenceID; got != tc.want {
			t.Fatalf("%s: expected sequence %d, got %d", tc.body, tc.want, got)
		}
	}
}

func TestMeasureRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"productId":"p","sequenceId":1}`, "Missing image or productId"},
		{`{"image":"AAAA","sequenceId":1}`, "Missing image or productId"},
		{`{"image":"  ","productId":"p"}`, "Missing image or productId"},
		{``, "Missing image or productId"},
		{`{"image":"AAAA","productId":"p","sequenceId":"abc"}`, "Invalid sequenceId"},
		{`{"image":"AAAA","productId":"p","sequenceId":1.5}`, "Invalid sequenceId"},
		{`{"image":`, "invalid request body"},
	}
	for _, tc := range cases {
		measurer := &stubMeasurer{}
		resp := postJSON(newTestRouter(measurer, nil), tc.body)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected status %d, got %d", tc.body, http.StatusBadRequest, resp.Code)
		}
		if got := decodeError(t, resp); got != tc.want {
			t.Fatalf("%q: expected error %q, got %q", tc.body, tc.want, got)
		}
		if len(measurer.got) != 0 {
			t.Fatalf("%q: measurer must not be called", tc.body)
		}
	}
}

func TestMeasureMapsOrchestratorErrors(t *testing.T) {
	resp := postJSON(newTestRouter(&stubMeasurer{err: &measure.InputError{Reason: measure.ReasonInvalidSequence}}, nil),
		`{"image":"AAAA","productId":"p","sequenceId":-2}`)
	if resp.Code != http.StatusBadRequest || decodeError(t, resp) != "Invalid sequenceId" {
		t.Fatalf("expected 400 Invalid sequenceId, got %d %s", resp.Code, resp.Body.String())
	}

	recorder := &stubRecorder{}
	internal := fmt.Errorf("wrapped: %w", measure.ErrInternal)
	resp = postJSON(newTestRouter(&stubMeasurer{err: internal}, recorder), `{"image":"AAAA","productId":"p"}`)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	if got := decodeError(t, resp); got != "Internal server error" {
		t.Fatalf("unexpected error message %q", got)
	}
	if len(recorder.recorded) != 0 {
		t.Fatalf("internal faults must not be recorded")
	}
}

func TestMeasurePartialResponseIsOK(t *testing.T) {
	measurer := &stubMeasurer{resp: &measure.Response{
		Success: false,
		Errors:  []string{"AI inference failed: model offline"},
		Paths:   measure.KeysFor("p", 1),
		Unit:    inference.Unit,
	}}
	resp := postJSON(newTestRouter(measurer, nil), `{"image":"AAAA","productId":"p"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"measurements":null`) || !strings.Contains(resp.Body.String(), `"annotated_image":null`) {
		t.Fatalf("expected null measurements and annotated_image, got %s", resp.Body.String())
	}
}

func TestMeasureMultipartSuccess(t *testing.T) {
	measurer := &stubMeasurer{}
	body, contentType := buildMultipartBody(t, "image/jpeg", []byte{0xff, 0xd8, 0xff, 0xe0}, map[string]string{
		"productId":  "SKU-9",
		"sequenceId": "4",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/measure", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	newTestRouter(measurer, nil).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	got := measurer.last(t)
	if got.ProductID != "SKU-9" || got.SequenceID != 4 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.Image != "data:image/jpeg;base64,/9j/4A==" {
		t.Fatalf("unexpected encoded image %q", got.Image)
	}
}

func TestMeasureRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(&stubMeasurer{}, nil, auth.JWTMiddleware(testJWTSecret, ""))

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1), map[string]string{"productId": "p"})

	req := httptest.NewRequest(http.MethodPost, "/api/measure", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestMeasureRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(&stubMeasurer{}, nil, auth.JWTMiddleware(testJWTSecret, ""))

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"), map[string]string{"productId": "p"})

	req := httptest.NewRequest(http.MethodPost, "/api/measure", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestMeasureRequiresTokenWhenAuthEnabled(t *testing.T) {
	measurer := &stubMeasurer{}
	router := newTestRouter(measurer, nil, auth.JWTMiddleware(testJWTSecret, ""))

	resp := postJSON(router, `{"image":"AAAA","productId":"p"}`)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
	if len(measurer.got) != 0 {
		t.Fatalf("measurer must not be called without a token")
	}
}

func TestPreprocessContract(t *testing.T) {
	resp := httptest.NewRecorder()
	newTestRouter(&stubMeasurer{}, nil).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/preprocess", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var contract preprocess.Contract
	if err := json.Unmarshal(resp.Body.Bytes(), &contract); err != nil {
		t.Fatalf("failed to decode contract: %v", err)
	}
	if contract != preprocess.Default() {
		t.Fatalf("unexpected contract: %+v", contract)
	}
}

func TestLatestMeasurement(t *testing.T) {
	get := func(router *gin.Engine, path string) *httptest.ResponseRecorder {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		return resp
	}

	if resp := get(newTestRouter(&stubMeasurer{}, nil), "/api/measurements/p/1"); resp.Code != http.StatusNotFound {
		t.Fatalf("disabled history: expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
	if resp := get(newTestRouter(&stubMeasurer{}, &stubRecorder{}), "/api/measurements/p/1"); resp.Code != http.StatusNotFound {
		t.Fatalf("unknown product: expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
	if resp := get(newTestRouter(&stubMeasurer{}, &stubRecorder{}), "/api/measurements/p/abc"); resp.Code != http.StatusBadRequest {
		t.Fatalf("bad sequence: expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if resp := get(newTestRouter(&stubMeasurer{}, &stubRecorder{err: errors.New("db down")}), "/api/measurements/p/1"); resp.Code != http.StatusInternalServerError {
		t.Fatalf("repository error: expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}

	recorder := &stubRecorder{latest: &history.MeasurementLog{
		RequestID:  "req-1",
		ProductID:  "p",
		SequenceID: 1,
		Success:    true,
		Errors:     []string{},
		CreatedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
	resp := get(newTestRouter(&stubMeasurer{}, recorder), "/api/measurements/p/1")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"request_id":"req-1"`) {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	resp := httptest.NewRecorder()
	newTestRouter(&stubMeasurer{}, nil).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}

	recorder := &stubRecorder{summary: &history.MetricsSummary{TotalRequests: 4, SuccessfulRequests: 3, SuccessRate: 0.75}}
	resp = httptest.NewRecorder()
	newTestRouter(&stubMeasurer{}, recorder).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var summary history.MetricsSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if summary.TotalRequests != 4 || summary.SuccessRate != 0.75 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field %s: %v", name, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestAccessLogCarriesTokenSubject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	router := gin.New()
	router.Use(RequestLogger(zap.New(core)))
	RegisterRoutes(router, NewHandler(&stubMeasurer{}, nil, preprocess.Default(), zap.NewNop()), auth.JWTMiddleware(testJWTSecret, ""))

	req := httptest.NewRequest(http.MethodPost, "/api/measure", strings.NewReader(`{"image":"AAAA","productId":"p"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "operator-7"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one access log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["subject"]; got != "operator-7" {
		t.Fatalf("expected subject operator-7 in access log, got %v", got)
	}
}
