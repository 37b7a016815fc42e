package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// multipartOverhead leaves room for boundaries and form fields around the uploads.
const multipartOverhead = 1 << 20

var (
	errUploadTooLarge  = errors.New("image exceeds the maximum upload size")
	errBatchTooLarge   = errors.New("batch exceeds the maximum request size")
	errUnsupportedType = errors.New("unsupported content type, expected an image")
)

func limitBody(c *gin.Context, limit int64) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// readUpload returns the bytes of an uploaded file. Parts declaring a
// non-image content type are rejected; an absent or generic type is left to
// the decoder.
func readUpload(file *multipart.FileHeader, maxUploadSize int64) ([]byte, error) {
	if file.Size > maxUploadSize {
		return nil, errUploadTooLarge
	}
	if !acceptedContentType(file.Header.Get("Content-Type")) {
		return nil, errUnsupportedType
	}

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, maxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > maxUploadSize {
		return nil, errUploadTooLarge
	}
	return data, nil
}

func acceptedContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/") || mediaType == "application/octet-stream"
}

func uploadErrorStatus(err error) int {
	switch {
	case errors.Is(err, errUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedType):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}
