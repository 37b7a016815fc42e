package matting

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// maxOutputSize bounds the response read from a remote matting server.
const maxOutputSize = 64 << 20

// HTTPBackend posts images to a rembg server ("rembg s"), which answers
// POST /api/remove with the processed PNG.
type HTTPBackend struct {
	url    string
	model  string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPBackend builds a backend for the endpoint at url.
func NewHTTPBackend(url, model string, timeout time.Duration, logger *zap.Logger) *HTTPBackend {
	return &HTTPBackend{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("matting_http"),
	}
}

func (b *HTTPBackend) Remove(ctx context.Context, data []byte) ([]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if b.model != "" {
		_ = writer.WriteField("model", b.model)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logger.Debug("matting server returned error", zap.Int("status", resp.StatusCode), zap.ByteString("body", truncate(out, 512)))
		return nil, fmt.Errorf("matting server responded %s", resp.Status)
	}
	return out, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
