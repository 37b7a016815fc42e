// Package tier decides the output resolution granted to a caller.
package tier

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/nfnt/resize"
)

// Tier is the effective output resolution level. The zero value is Reduced,
// the least privileged tier.
type Tier int

const (
	Reduced Tier = iota
	Full
)

// ErrUnknownTier is returned by Parse for values other than "full" and "reduced".
var ErrUnknownTier = errors.New("unknown size tier")

// Parse converts the size query value. An empty value means Reduced.
func Parse(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reduced":
		return Reduced, nil
	case "full":
		return Full, nil
	default:
		return Reduced, fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
}

func (t Tier) String() string {
	if t == Full {
		return "full"
	}
	return "reduced"
}

// ScaledSize returns the Reduced tier dimensions for a w x h image:
// floor(d * 0.8) per axis, never below 1.
func ScaledSize(w, h int) (int, int) {
	return scale(w), scale(h)
}

func scale(d int) int {
	return max(1, d*4/5)
}

// Apply returns img unchanged for Full and a Lanczos-resampled copy at
// ScaledSize for Reduced.
func Apply(img image.Image, t Tier) image.Image {
	if t == Full {
		return img
	}

	b := img.Bounds()
	w, h := ScaledSize(b.Dx(), b.Dy())
	return resize.Resize(uint(w), uint(h), img, resize.Lanczos3)
}
