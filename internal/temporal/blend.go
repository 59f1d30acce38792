package temporal

import (
	"fmt"
	"image"
	"math"
)

// Blend warps previous by the average motion and mixes it into current with
// weight adjustedBlend. Pixels whose warped sample falls outside previous
// are copied from current unchanged.
func Blend(current, previous *image.NRGBA, motion Vector, adjustedBlend float64) (*image.NRGBA, error) {
	cb, pb := current.Bounds(), previous.Bounds()
	if cb.Dx() != pb.Dx() || cb.Dy() != pb.Dy() {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch, pb.Dx(), pb.Dy(), cb.Dx(), cb.Dy())
	}
	adjustedBlend = math.Min(1, math.Max(0, adjustedBlend))

	w, h := cb.Dx(), cb.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	keep := 1 - adjustedBlend

	for y := 0; y < h; y++ {
		sy := int(math.Round(float64(y) + motion.Y))
		for x := 0; x < w; x++ {
			ci := current.PixOffset(cb.Min.X+x, cb.Min.Y+y)
			oi := out.PixOffset(x, y)
			sx := int(math.Round(float64(x) + motion.X))
			if sx < 0 || sy < 0 || sx >= w || sy >= h {
				copy(out.Pix[oi:oi+4], current.Pix[ci:ci+4])
				continue
			}
			pi := previous.PixOffset(pb.Min.X+sx, pb.Min.Y+sy)
			for c := 0; c < 4; c++ {
				v := float64(current.Pix[ci+c])*keep + float64(previous.Pix[pi+c])*adjustedBlend
				out.Pix[oi+c] = uint8(math.Round(v))
			}
		}
	}
	return out, nil
}

// ApplyTemporalConsistency estimates motion from previous to current and
// blends with baseBlend scaled by the estimate's confidence.
func ApplyTemporalConsistency(current, previous *image.NRGBA, baseBlend float64) (*image.NRGBA, MotionField, error) {
	field, err := EstimateMotion(GrayFromImage(previous), GrayFromImage(current))
	if err != nil {
		return nil, MotionField{}, err
	}
	out, err := Blend(current, previous, field.AvgMotion, baseBlend*field.Confidence)
	if err != nil {
		return nil, field, err
	}
	return out, field, nil
}
