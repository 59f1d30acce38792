package temporal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Smoother applies temporal consistency to frame files on disk.
type Smoother struct {
	logger *zap.Logger
}

func NewSmoother(logger *zap.Logger) *Smoother {
	return &Smoother{logger: logger}
}

func (s *Smoother) Smooth(ctx context.Context, currentPath, previousPath string, blendFactor float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	current, err := imaging.Open(currentPath)
	if err != nil {
		return fmt.Errorf("open current frame: %w", err)
	}
	previous, err := imaging.Open(previousPath)
	if err != nil {
		return fmt.Errorf("open previous frame: %w", err)
	}

	out, field, err := ApplyTemporalConsistency(imaging.Clone(current), imaging.Clone(previous), blendFactor)
	if err != nil {
		return err
	}

	// write beside the frame and rename so a failed save leaves the
	// unsmoothed frame intact
	tmpPath := filepath.Join(filepath.Dir(currentPath), ".smooth-"+filepath.Base(currentPath))
	if err := imaging.Save(out, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("save smoothed frame: %w", err)
	}
	if err := os.Rename(tmpPath, currentPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace smoothed frame: %w", err)
	}

	s.logger.Debug("temporal smoothing applied",
		zap.String("frame", currentPath),
		zap.Float64("motion_x", field.AvgMotion.X),
		zap.Float64("motion_y", field.AvgMotion.Y),
		zap.Float64("max_motion", field.MaxMotion),
		zap.Float64("confidence", field.Confidence),
		zap.Float64("blend", blendFactor*field.Confidence),
	)
	return nil
}
