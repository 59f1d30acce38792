package enhancer

import (
	"image"

	"github.com/disintegration/imaging"
)

type filterStep struct {
	name  string
	apply func(image.Image) *image.NRGBA
}

// fallbackChain is the local filter used when the inference service is
// unavailable. Sharpening and contrast scale linearly with strength; the
// saturation boost is fixed.
func fallbackChain(strength float64) []filterStep {
	s := min(1, max(0, strength))
	sigma := 0.5 + 1.5*s
	contrast := 5 + 20*s
	return []filterStep{
		{name: "sharpen", apply: func(img image.Image) *image.NRGBA { return imaging.Sharpen(img, sigma) }},
		{name: "contrast", apply: func(img image.Image) *image.NRGBA { return imaging.AdjustContrast(img, contrast) }},
		{name: "saturation", apply: func(img image.Image) *image.NRGBA { return imaging.AdjustSaturation(img, 10) }},
	}
}

// Fallback runs the local filter chain over img. It is deterministic and
// needs nothing outside the process.
func Fallback(img image.Image, strength float64) *image.NRGBA {
	current := imaging.Clone(img)
	for _, step := range fallbackChain(strength) {
		current = step.apply(current)
	}
	return current
}
