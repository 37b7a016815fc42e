// Package matting wraps the external background-removal capability.
package matting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
	"golang.org/x/sync/semaphore"
)

// Backend removes the background of an encoded image and returns the encoded
// result with the alpha channel populated.
type Backend interface {
	Remove(ctx context.Context, data []byte) ([]byte, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, data []byte) ([]byte, error)

// Remove calls f.
func (f BackendFunc) Remove(ctx context.Context, data []byte) ([]byte, error) {
	return f(ctx, data)
}

// DecodeError reports input bytes that are not a supported image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RemovalError reports a failure inside the background-removal backend,
// including output it produced that could not be decoded.
type RemovalError struct {
	Err error
}

func (e *RemovalError) Error() string {
	return fmt.Sprintf("remove background: %v", e.Err)
}

func (e *RemovalError) Unwrap() error { return e.Err }

// Adapter gives every backend the same contract: raw bytes in, decoded image
// with alpha out. It makes a single attempt per call and caches nothing.
type Adapter struct {
	backend Backend
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *zap.Logger
}

// NewAdapter bounds concurrent backend calls to maxConcurrency. Backends are
// not assumed to be safe for concurrent use, so 1 serializes them. A positive
// timeout caps each backend call; waiting for a slot does not count towards it.
func NewAdapter(backend Backend, maxConcurrency int, timeout time.Duration, logger *zap.Logger) *Adapter {
	return &Adapter{
		backend: backend,
		sem:     semaphore.NewWeighted(int64(max(1, maxConcurrency))),
		timeout: timeout,
		logger:  logger.Named("matting"),
	}
}

// RemoveBackground decodes raw to make sure it is an image, runs the backend
// and decodes its output.
func (a *Adapter) RemoveBackground(ctx context.Context, raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Err: fmt.Errorf("empty input")}
	}
	if _, _, err := image.Decode(bytes.NewReader(raw)); err != nil {
		return nil, &DecodeError{Err: err}
	}

	out, err := a.call(ctx, raw)
	if err != nil {
		return nil, &RemovalError{Err: err}
	}

	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, &RemovalError{Err: fmt.Errorf("decode backend output: %w", err)}
	}
	if !HasAlpha(img) {
		a.logger.Warn("backend output has no transparent pixels", zap.Int("width", img.Bounds().Dx()), zap.Int("height", img.Bounds().Dy()))
	}
	return img, nil
}

func (a *Adapter) call(ctx context.Context, raw []byte) ([]byte, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer a.sem.Release(1)

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	out, err := a.backend.Remove(ctx, raw)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("backend timed out after %s: %w", a.timeout, err)
	}
	return out, err
}

// HasAlpha reports whether img has at least one pixel that is not fully opaque.
func HasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}
