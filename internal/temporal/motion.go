// Package temporal keeps consecutive enhanced frames consistent over time:
// a coarse block-matching motion estimate decides how far, and how
// confidently, the previous frame is warped and blended into the current one.
package temporal

import (
	"errors"
	"fmt"
	"image"
	"math"
)

const (
	BlockSize    = 16
	SearchRadius = 4
)

var ErrDimensionMismatch = errors.New("frame dimensions differ")

// GrayFrame is a single-channel 8-bit pixel buffer, row-major.
type GrayFrame struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewGrayFrame(width, height int) *GrayFrame {
	return &GrayFrame{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

func (g *GrayFrame) At(x, y int) uint8 {
	return g.Pix[y*g.Width+x]
}

// GrayFromImage converts img to luma using the ITU-R 601 weights that
// image/color uses for color.GrayModel.
func GrayFromImage(img image.Image) *GrayFrame {
	b := img.Bounds()
	g := NewGrayFrame(b.Dx(), b.Dy())
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			r, gr, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			lum := (19595*r + 38470*gr + 7471*bl + 1<<15) >> 24
			g.Pix[y*g.Width+x] = uint8(lum)
		}
	}
	return g
}

type Vector struct {
	X float64
	Y float64
}

// MotionField summarises the block motion between two frames.
type MotionField struct {
	AvgMotion  Vector
	MaxMotion  float64
	Confidence float64
	Width      int
	Height     int
	Blocks     int
}

// EstimateMotion matches every full BlockSize block of current against
// previous within ±SearchRadius pixels and aggregates the block vectors.
func EstimateMotion(previous, current *GrayFrame) (MotionField, error) {
	if previous.Width != current.Width || previous.Height != current.Height {
		return MotionField{}, fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch,
			previous.Width, previous.Height, current.Width, current.Height)
	}

	field := MotionField{Width: current.Width, Height: current.Height}

	var vectors [][2]int
	for by := 0; by+BlockSize <= current.Height; by += BlockSize {
		for bx := 0; bx+BlockSize <= current.Width; bx += BlockSize {
			// a tie with zero motion keeps zero motion; that is the only
			// departure from first-in-scan-order among equal costs
			dx, dy := matchBlock(previous, current, bx, by)
			vectors = append(vectors, [2]int{dx, dy})
		}
	}
	field.Blocks = len(vectors)
	if len(vectors) == 0 {
		return field, nil
	}

	var sumX, sumY float64
	for _, v := range vectors {
		sumX += float64(v[0])
		sumY += float64(v[1])
		mag := math.Sqrt(float64(v[0]*v[0] + v[1]*v[1]))
		if mag > field.MaxMotion {
			field.MaxMotion = mag
		}
	}
	n := float64(len(vectors))
	field.AvgMotion = Vector{X: sumX / n, Y: sumY / n}

	var variance float64
	for _, v := range vectors {
		ex := float64(v[0]) - field.AvgMotion.X
		ey := float64(v[1]) - field.AvgMotion.Y
		variance += ex*ex + ey*ey
	}
	variance /= n

	field.Confidence = math.Max(0, 1-variance/(field.MaxMotion+1))
	return field, nil
}

// matchBlock returns the displacement with the lowest SAD. Zero motion is
// the starting candidate and only a strictly lower cost replaces the best,
// so ties resolve to zero first and then to scan order.
func matchBlock(previous, current *GrayFrame, bx, by int) (int, int) {
	bestDX, bestDY := 0, 0
	best := sad(previous, current, bx, by, 0, 0)
	if best == 0 {
		return 0, 0
	}

	for dy := -SearchRadius; dy <= SearchRadius; dy++ {
		for dx := -SearchRadius; dx <= SearchRadius; dx++ {
			px, py := bx+dx, by+dy
			if px < 0 || py < 0 || px+BlockSize > previous.Width || py+BlockSize > previous.Height {
				continue
			}
			if cost := sad(previous, current, bx, by, dx, dy); cost < best {
				best, bestDX, bestDY = cost, dx, dy
			}
		}
	}
	return bestDX, bestDY
}

func sad(previous, current *GrayFrame, bx, by, dx, dy int) int {
	total := 0
	for y := 0; y < BlockSize; y++ {
		crow := (by+y)*current.Width + bx
		prow := (by+y+dy)*previous.Width + bx + dx
		for x := 0; x < BlockSize; x++ {
			d := int(current.Pix[crow+x]) - int(previous.Pix[prow+x])
			if d < 0 {
				d = -d
			}
			total += d
		}
	}
	return total
}
