// Package pipeline turns uploaded images into background-free, tier-scaled,
// transport-encoded results, one at a time or as a fail-isolated batch.
package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/bgremove/internal/logging"
	"github.com/example/bgremove/internal/tier"
)

// Remover is the background-removal capability used by the pipeline.
type Remover interface {
	RemoveBackground(ctx context.Context, raw []byte) (image.Image, error)
}

// Item is one named input of a batch.
type Item struct {
	Name string
	Data []byte
}

// Output is the successful result of processing one image.
type Output struct {
	Image  string // base64 of the PNG encoding
	Width  int
	Height int
	Tier   tier.Tier
}

// Result is produced once per processed input. Exactly one of Output and Err
// is set.
type Result struct {
	Name   string
	Output *Output
	Err    error
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool {
	return r.Err != nil
}

func success(name string, out *Output) Result {
	return Result{Name: name, Output: out}
}

func failure(name string, err error) Result {
	return Result{Name: name, Err: err}
}

// EncodeError reports a failure while encoding the processed image.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode image: %v", e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Pipeline composes background removal, the tier policy and encoding.
type Pipeline struct {
	remover     Remover
	concurrency int
	logger      *zap.Logger
}

// New builds a pipeline. concurrency bounds how many batch items run at once;
// 1 processes a batch strictly in order.
func New(remover Remover, concurrency int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		remover:     remover,
		concurrency: max(1, concurrency),
		logger:      logger.Named("pipeline"),
	}
}

// Process runs one image through the pipeline. Every failure is returned as
// a failed Result rather than an error.
func (p *Pipeline) Process(ctx context.Context, name string, raw []byte, t tier.Tier) Result {
	img, err := p.remover.RemoveBackground(ctx, raw)
	if err != nil {
		p.logger.Warn("background removal failed", zap.String("name", name), zap.Error(err))
		return failure(name, err)
	}

	img = tier.Apply(img, t)

	encoded, err := Encode(img)
	if err != nil {
		wrapped := &EncodeError{Err: err}
		p.logger.Error("failed to encode result", zap.String("name", name), zap.Error(wrapped))
		return failure(name, wrapped)
	}

	b := img.Bounds()
	return success(name, &Output{
		Image:  encoded,
		Width:  b.Dx(),
		Height: b.Dy(),
		Tier:   t,
	})
}

// ProcessBatch processes every item with a non-empty name and returns one
// result per such item, in input order. Item failures never stop the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, items []Item, t tier.Tier) []Result {
	named := lo.Filter(items, func(item Item, _ int) bool {
		return item.Name != ""
	})
	results := make([]Result, len(named))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, item := range named {
		i, item := i, item
		g.Go(func() error {
			results[i] = p.processItem(ctx, item, t)
			return nil
		})
	}
	_ = g.Wait()

	if skipped := len(items) - len(named); skipped > 0 {
		p.logger.Debug("skipped unnamed batch items", zap.Int("skipped", skipped))
	}
	return results
}

func (p *Pipeline) processItem(ctx context.Context, item Item, t tier.Tier) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			err := logging.NewOperationError("pipeline.process_item", "", fmt.Errorf("panic: %v", r))
			p.logger.Error("batch item panicked", zap.String("name", item.Name), zap.Error(err))
			result = failure(item.Name, err)
		}
	}()
	return p.Process(ctx, item.Name, item.Data, t)
}

// Encode writes img as PNG and returns it base64 encoded.
func Encode(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode.
func Decode(s string) (image.Image, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return png.Decode(bytes.NewReader(data))
}
