package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/bgremove/internal/identity"
	"github.com/example/bgremove/internal/logging"
	"github.com/example/bgremove/internal/pipeline"
	"github.com/example/bgremove/internal/tier"
	"github.com/example/bgremove/internal/usecase"
)

// Service is the subset of the removal use case served over HTTP.
type Service interface {
	RemoveBackground(ctx context.Context, req usecase.Request, item pipeline.Item) pipeline.Result
	ProcessBatch(ctx context.Context, req usecase.Request, items []pipeline.Item) []pipeline.Result
	ValidateToken(ctx context.Context, token string) (*identity.User, error)
	GetJob(ctx context.Context, requestID string) (*usecase.JobSummary, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Limits bounds request bodies. MaxUploadSize applies to every file,
// MaxBatchSize to the whole batch request.
type Limits struct {
	MaxUploadSize int64
	MaxBatchSize  int64
}

type handler struct {
	svc    Service
	limits Limits
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router under /api.
func RegisterRoutes(router *gin.Engine, svc Service, limits Limits, logger *zap.Logger) {
	h := &handler{svc: svc, limits: limits, logger: logger.Named("handlers")}

	api := router.Group("/api")
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api.POST("/remove-bg", h.removeBackground)
	api.POST("/batch-process", h.batchProcess)
	api.POST("/validate-token", h.validateToken)
	api.GET("/jobs/:id", h.getJob)
	api.GET("/metrics", h.metrics)
}

func (h *handler) removeBackground(c *gin.Context) {
	requested, err := tier.Parse(c.Query("size"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limitBody(c, h.limits.MaxUploadSize)
	file, err := c.FormFile("image")
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errUploadTooLarge.Error()})
			return
		}
		// A part sent without a filename is parsed as a plain form value.
		if _, ok := c.GetPostForm("image"); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image selected"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image provided"})
		return
	}

	data, err := readUpload(file, h.limits.MaxUploadSize)
	if err != nil {
		c.JSON(uploadErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	req := usecase.Request{
		RequestID:     requestIDFrom(c),
		Authorization: c.GetHeader("Authorization"),
		Requested:     requested,
	}
	result := h.svc.RemoveBackground(c.Request.Context(), req, pipeline.Item{Name: file.Filename, Data: data})
	if result.Failed() {
		_ = c.Error(result.Err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Err.Error()})
		return
	}

	c.JSON(http.StatusOK, newRemoveResponse(result.Output))
}

func (h *handler) batchProcess(c *gin.Context) {
	requested, err := tier.Parse(c.Query("size"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limitBody(c, h.limits.MaxBatchSize)
	form, err := c.MultipartForm()
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errBatchTooLarge.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No images provided"})
		return
	}
	if len(form.File["images"]) == 0 {
		// Parts sent without a filename land in form.Value and are skipped.
		if len(form.Value["images"]) > 0 {
			c.JSON(http.StatusOK, newBatchResponse(nil))
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No images provided"})
		return
	}

	// Uploads rejected here keep their position in the response.
	var (
		items    []pipeline.Item
		rejected = map[int]pipeline.Result{}
		total    int
	)
	for _, file := range form.File["images"] {
		if file.Filename == "" {
			continue
		}
		slot := total
		total++
		data, err := readUpload(file, h.limits.MaxUploadSize)
		if err != nil {
			rejected[slot] = pipeline.Result{Name: file.Filename, Err: err}
			continue
		}
		items = append(items, pipeline.Item{Name: file.Filename, Data: data})
	}

	req := usecase.Request{
		RequestID:     requestIDFrom(c),
		Authorization: c.GetHeader("Authorization"),
		Requested:     requested,
	}
	var processed []pipeline.Result
	if len(items) > 0 {
		processed = h.svc.ProcessBatch(c.Request.Context(), req, items)
	}

	results := make([]pipeline.Result, 0, total)
	next := 0
	for slot := 0; slot < total; slot++ {
		if r, ok := rejected[slot]; ok {
			results = append(results, r)
			continue
		}
		if next < len(processed) {
			results = append(results, processed[next])
			next++
		}
	}

	c.JSON(http.StatusOK, newBatchResponse(results))
}

type validateTokenRequest struct {
	Token string `json:"token"`
}

func (h *handler) validateToken(c *gin.Context) {
	var body validateTokenRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": "Token is required"})
		return
	}

	user, err := h.svc.ValidateToken(c.Request.Context(), body.Token)
	if err != nil {
		logging.WithOperation(h.logger, "handlers.validate_token", requestIDFrom(c)).Debug("token rejected", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": "Invalid token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true, "user": newUserResponse(user)})
}

func (h *handler) getJob(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	summary, err := h.svc.GetJob(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, usecase.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}

	c.JSON(http.StatusOK, summary)
}
