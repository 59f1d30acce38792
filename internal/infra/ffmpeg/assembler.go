package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

type Assembler struct {
	tools  Tools
	logger *zap.Logger
}

func NewAssembler(tools Tools, logger *zap.Logger) *Assembler {
	return &Assembler{tools: withDefaults(tools), logger: logger}
}

// AssembleVideo muxes the sequentially numbered frames in framesDir into
// outputPath at fps.
func (a *Assembler) AssembleVideo(ctx context.Context, framesDir string, outputPath string, fps float64) (string, error) {
	frames, err := filepath.Glob(filepath.Join(framesDir, "*."+a.tools.Format))
	if err != nil {
		return "", fmt.Errorf("glob frames: %w", err)
	}
	if len(frames) == 0 {
		return "", fmt.Errorf("no frames to assemble in %s", framesDir)
	}

	cmd := exec.CommandContext(ctx, a.tools.FFmpeg, a.args(framesDir, outputPath, fps)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", commandError(a.tools.FFmpeg, err, output)
	}

	a.logger.Info("video assembled",
		zap.Int("frames", len(frames)),
		zap.String("output", outputPath),
	)
	return outputPath, nil
}

func (a *Assembler) args(framesDir, outputPath string, fps float64) []string {
	return []string{
		"-hide_banner",
		"-framerate", formatFPS(fps),
		"-i", filepath.Join(framesDir, FramePattern+"."+a.tools.Format),
		"-c:v", a.tools.Codec,
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	}
}
