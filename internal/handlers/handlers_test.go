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
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/bgremove/internal/identity"
	"github.com/example/bgremove/internal/pipeline"
	"github.com/example/bgremove/internal/tier"
	"github.com/example/bgremove/internal/usecase"
)

const (
	testMaxUploadSize = 1024
	testMaxBatchSize  = 4096
)

type stubService struct {
	fail        map[string]error
	requests    []usecase.Request
	batchItems  []pipeline.Item
	singleCalls int
	user        *identity.User
	tokenErr    error
	job         *usecase.JobSummary
	jobErr      error
	metrics     *usecase.MetricsSummary
	metricsErr  error
}

func (s *stubService) result(item pipeline.Item, t tier.Tier) pipeline.Result {
	if err, ok := s.fail[item.Name]; ok {
		return pipeline.Result{Name: item.Name, Err: err}
	}
	return pipeline.Result{Name: item.Name, Output: &pipeline.Output{Image: "aW1n", Width: 80, Height: 40, Tier: t}}
}

func (s *stubService) RemoveBackground(ctx context.Context, req usecase.Request, item pipeline.Item) pipeline.Result {
	s.singleCalls++
	s.requests = append(s.requests, req)
	return s.result(item, req.Requested)
}

func (s *stubService) ProcessBatch(ctx context.Context, req usecase.Request, items []pipeline.Item) []pipeline.Result {
	s.requests = append(s.requests, req)
	s.batchItems = append(s.batchItems, items...)
	results := make([]pipeline.Result, 0, len(items))
	for _, item := range items {
		results = append(results, s.result(item, req.Requested))
	}
	return results
}

func (s *stubService) ValidateToken(ctx context.Context, token string) (*identity.User, error) {
	return s.user, s.tokenErr
}

func (s *stubService) GetJob(ctx context.Context, requestID string) (*usecase.JobSummary, error) {
	if s.jobErr != nil {
		return nil, s.jobErr
	}
	if s.job == nil {
		return nil, usecase.ErrJobNotFound
	}
	return s.job, nil
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	if s.metricsErr != nil {
		return nil, s.metricsErr
	}
	return s.metrics, nil
}

func newTestRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID(), AccessLog(zap.NewNop()))
	RegisterRoutes(router, svc, Limits{MaxUploadSize: testMaxUploadSize, MaxBatchSize: testMaxBatchSize}, zap.NewNop())
	return router
}

type testPart struct {
	field       string
	filename    string
	contentType string
	payload     []byte
}

func buildMultipartBody(t *testing.T, parts ...testPart) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, p := range parts {
		header := make(textproto.MIMEHeader)
		if p.filename == "" {
			header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, p.field))
		} else {
			header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, p.field, p.filename))
		}
		if p.contentType != "" {
			header.Set("Content-Type", p.contentType)
		}

		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed to create multipart part: %v", err)
		}
		if _, err := part.Write(p.payload); err != nil {
			t.Fatalf("failed to write payload: %v", err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func serve(t *testing.T, router *gin.Engine, method, target string, body *bytes.Buffer, contentType string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, body)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", resp.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&stubService{})

	resp := serve(t, router, http.MethodGet, "/api/health", nil, "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"ok"`) {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected a request id header")
	}
}

func TestRemoveBackgroundSuccess(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t, testPart{field: "image", filename: "cat.png", contentType: "image/png", payload: []byte("png")})
	resp := serve(t, router, http.MethodPost, "/api/remove-bg?size=full", body, contentType, map[string]string{
		"Authorization": "Bearer abc",
		RequestIDHeader: "req-42",
	})

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	var got removeResponse
	decodeBody(t, resp, &got)
	if got.Image != "aW1n" || got.SizeType != "full" || got.Width != 80 || got.Height != 40 {
		t.Fatalf("unexpected response: %+v", got)
	}

	req := svc.requests[0]
	if req.Authorization != "Bearer abc" || req.Requested != tier.Full || req.RequestID != "req-42" {
		t.Fatalf("unexpected use case request: %+v", req)
	}
	if resp.Header().Get(RequestIDHeader) != "req-42" {
		t.Fatalf("expected incoming request id to be echoed, got %q", resp.Header().Get(RequestIDHeader))
	}
}

func TestRemoveBackgroundDefaultsToReduced(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t, testPart{field: "image", filename: "cat.png", payload: []byte("png")})
	resp := serve(t, router, http.MethodPost, "/api/remove-bg", body, contentType, nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if svc.requests[0].Requested != tier.Reduced {
		t.Fatalf("expected reduced tier, got %s", svc.requests[0].Requested)
	}
}

func TestRemoveBackgroundValidation(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		parts   []testPart
		status  int
		message string
	}{
		{
			name:    "missing field",
			target:  "/api/remove-bg",
			parts:   []testPart{{field: "other", filename: "a.png", payload: []byte("x")}},
			status:  http.StatusBadRequest,
			message: "No image provided",
		},
		{
			name:    "empty filename",
			target:  "/api/remove-bg",
			parts:   []testPart{{field: "image", payload: []byte("x")}},
			status:  http.StatusBadRequest,
			message: "No image selected",
		},
		{
			name:   "bad size",
			target: "/api/remove-bg?size=huge",
			parts:  []testPart{{field: "image", filename: "a.png", payload: []byte("x")}},
			status: http.StatusBadRequest,
		},
		{
			name:   "too large",
			target: "/api/remove-bg",
			parts:  []testPart{{field: "image", filename: "a.png", contentType: "image/png", payload: bytes.Repeat([]byte("a"), testMaxUploadSize+1)}},
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name:   "unsupported type",
			target: "/api/remove-bg",
			parts:  []testPart{{field: "image", filename: "a.txt", contentType: "text/plain", payload: []byte("hello")}},
			status: http.StatusUnsupportedMediaType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			router := newTestRouter(svc)

			body, contentType := buildMultipartBody(t, tt.parts...)
			resp := serve(t, router, http.MethodPost, tt.target, body, contentType, nil)

			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, resp.Code, resp.Body.String())
			}
			if tt.message != "" && !strings.Contains(resp.Body.String(), tt.message) {
				t.Fatalf("expected message %q, got %s", tt.message, resp.Body.String())
			}
			if svc.singleCalls != 0 {
				t.Fatal("expected invalid input to stop before processing")
			}
		})
	}
}

func TestRemoveBackgroundFailureReturns500(t *testing.T) {
	svc := &stubService{fail: map[string]error{"bad.png": errors.New("decode image: unknown format")}}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t, testPart{field: "image", filename: "bad.png", payload: []byte("x")})
	resp := serve(t, router, http.MethodPost, "/api/remove-bg", body, contentType, nil)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "unknown format") {
		t.Fatalf("expected error message in body, got %s", resp.Body.String())
	}
}

func TestBatchProcessKeepsOrderAndIsolatesFailures(t *testing.T) {
	svc := &stubService{fail: map[string]error{"b.png": errors.New("matting backend: exit status 1")}}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t,
		testPart{field: "images", filename: "a.png", payload: []byte("a")},
		testPart{field: "images", payload: []byte("skipped")},
		testPart{field: "images", filename: "big.png", payload: bytes.Repeat([]byte("a"), testMaxUploadSize+1)},
		testPart{field: "images", filename: "b.png", payload: []byte("b")},
		testPart{field: "images", filename: "c.png", payload: []byte("c")},
	)
	resp := serve(t, router, http.MethodPost, "/api/batch-process?size=reduced", body, contentType, nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	var got batchResponse
	decodeBody(t, resp, &got)

	wantNames := []string{"a.png", "big.png", "b.png", "c.png"}
	if len(got.Results) != len(wantNames) {
		t.Fatalf("expected %d results, got %d", len(wantNames), len(got.Results))
	}
	for i, name := range wantNames {
		if got.Results[i].OriginalName != name {
			t.Fatalf("result %d: expected %s, got %s", i, name, got.Results[i].OriginalName)
		}
	}

	if got.Results[0].Image == "" || got.Results[0].SizeType != "reduced" {
		t.Fatalf("expected success entry, got %+v", got.Results[0])
	}
	if got.Results[1].Error == "" || got.Results[1].Image != "" {
		t.Fatalf("expected oversized entry to fail, got %+v", got.Results[1])
	}
	if !strings.Contains(got.Results[2].Error, "exit status 1") {
		t.Fatalf("expected backend failure entry, got %+v", got.Results[2])
	}
	if got.Results[3].Error != "" {
		t.Fatalf("expected later item to succeed, got %+v", got.Results[3])
	}

	if len(svc.batchItems) != 3 {
		t.Fatalf("expected 3 items forwarded, got %d", len(svc.batchItems))
	}
}

func TestBatchProcessRequiresImages(t *testing.T) {
	router := newTestRouter(&stubService{})

	body, contentType := buildMultipartBody(t, testPart{field: "image", filename: "a.png", payload: []byte("a")})
	resp := serve(t, router, http.MethodPost, "/api/batch-process", body, contentType, nil)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "No images provided") {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestBatchProcessSkipsUseCaseWhenAllUploadsRejected(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t,
		testPart{field: "images", filename: "a.png", contentType: "text/plain", payload: []byte("a")},
	)
	resp := serve(t, router, http.MethodPost, "/api/batch-process", body, contentType, nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var got batchResponse
	decodeBody(t, resp, &got)
	if len(got.Results) != 1 || got.Results[0].Error == "" {
		t.Fatalf("expected a single failure entry, got %+v", got.Results)
	}
	if len(svc.requests) != 0 {
		t.Fatal("expected use case to be skipped when nothing is processable")
	}
}

func TestBatchProcessOnlyUnnamedImages(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t,
		testPart{field: "images", payload: []byte("a")},
		testPart{field: "images", payload: []byte("b")},
	)
	resp := serve(t, router, http.MethodPost, "/api/batch-process", body, contentType, nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if strings.TrimSpace(resp.Body.String()) != `{"results":[]}` {
		t.Fatalf("expected empty results, got %s", resp.Body.String())
	}
	if len(svc.requests) != 0 {
		t.Fatal("expected use case to be skipped")
	}
}

func TestBatchProcessRejectsOversizedRequest(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	chunk := bytes.Repeat([]byte("a"), 512<<10)
	body, contentType := buildMultipartBody(t,
		testPart{field: "images", filename: "a.png", payload: chunk},
		testPart{field: "images", filename: "b.png", payload: chunk},
		testPart{field: "images", filename: "c.png", payload: chunk},
	)
	resp := serve(t, router, http.MethodPost, "/api/batch-process", body, contentType, nil)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d: %s", http.StatusRequestEntityTooLarge, resp.Code, resp.Body.String())
	}
	if len(svc.requests) != 0 {
		t.Fatal("expected oversized batch to stop before processing")
	}
}

func TestValidateToken(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		svc       *stubService
		status    int
		wantValid bool
	}{
		{
			name:      "valid",
			body:      `{"token":"abc"}`,
			svc:       &stubService{user: &identity.User{ID: "u1", Email: "a@b.c"}},
			status:    http.StatusOK,
			wantValid: true,
		},
		{
			name:   "invalid",
			body:   `{"token":"abc"}`,
			svc:    &stubService{tokenErr: identity.ErrInvalidToken},
			status: http.StatusOK,
		},
		{
			name:   "missing token",
			body:   `{}`,
			svc:    &stubService{},
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed body",
			body:   `not json`,
			svc:    &stubService{},
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(tt.svc)
			resp := serve(t, router, http.MethodPost, "/api/validate-token", bytes.NewBufferString(tt.body), "application/json", nil)

			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, resp.Code)
			}
			var got struct {
				Valid bool          `json:"valid"`
				User  *userResponse `json:"user"`
				Error string        `json:"error"`
			}
			decodeBody(t, resp, &got)
			if got.Valid != tt.wantValid {
				t.Fatalf("expected valid=%v, got %+v", tt.wantValid, got)
			}
			if tt.wantValid && (got.User == nil || got.User.ID != "u1") {
				t.Fatalf("expected user in response, got %+v", got.User)
			}
			if !tt.wantValid && got.Error == "" {
				t.Fatal("expected an error message")
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	router := newTestRouter(&stubService{})
	resp := serve(t, router, http.MethodGet, "/api/jobs/missing", nil, "", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}

	router = newTestRouter(&stubService{job: &usecase.JobSummary{RequestID: "req-1", Mode: usecase.ModeBatch, Items: 2}})
	resp = serve(t, router, http.MethodGet, "/api/jobs/req-1", nil, "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var got usecase.JobSummary
	decodeBody(t, resp, &got)
	if got.RequestID != "req-1" || got.Items != 2 {
		t.Fatalf("unexpected job summary: %+v", got)
	}

	router = newTestRouter(&stubService{jobErr: errors.New("db down")})
	resp = serve(t, router, http.MethodGet, "/api/jobs/req-1", nil, "", nil)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
}

func TestMetrics(t *testing.T) {
	router := newTestRouter(&stubService{metrics: &usecase.MetricsSummary{TotalJobs: 3, SuccessRate: 0.5}})
	resp := serve(t, router, http.MethodGet, "/api/metrics", nil, "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var got usecase.MetricsSummary
	decodeBody(t, resp, &got)
	if got.TotalJobs != 3 || got.SuccessRate != 0.5 {
		t.Fatalf("unexpected metrics: %+v", got)
	}

	router = newTestRouter(&stubService{metricsErr: errors.New("db down")})
	resp = serve(t, router, http.MethodGet, "/api/metrics", nil, "", nil)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
}
