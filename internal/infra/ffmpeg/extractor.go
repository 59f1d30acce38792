package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/patrob/video-upscaler/internal/domain/entity"
	"github.com/patrob/video-upscaler/internal/domain/port"
	"go.uber.org/zap"
)

// FramePattern names extracted frames frame_000001.<ext>, ...; enhanced
// frames keep the same names so the assembler reads them in order.
const FramePattern = "frame_%06d"

type Tools struct {
	FFmpeg  string
	FFprobe string
	Format  string
	Codec   string
}

type Extractor struct {
	tools  Tools
	logger *zap.Logger
}

func NewExtractor(tools Tools, logger *zap.Logger) *Extractor {
	return &Extractor{tools: withDefaults(tools), logger: logger}
}

func (e *Extractor) ExtractFrames(ctx context.Context, videoPath string, outputDir string, fps float64) (*port.FrameExtractionResult, error) {
	duration, err := e.getVideoDuration(ctx, videoPath)
	if err != nil {
		e.logger.Warn("could not get video duration", zap.Error(err))
	}

	framePattern := filepath.Join(outputDir, FramePattern+"."+e.tools.Format)
	cmd := exec.CommandContext(ctx, e.tools.FFmpeg,
		"-hide_banner",
		"-i", videoPath,
		"-vf", "fps="+formatFPS(fps),
		"-y",
		framePattern,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, commandError(e.tools.FFmpeg, err, output)
	}

	frames, err := filepath.Glob(filepath.Join(outputDir, "*."+e.tools.Format))
	if err != nil {
		return nil, fmt.Errorf("glob frames: %w", err)
	}

	e.logger.Info("frames extracted",
		zap.Int("count", len(frames)),
		zap.Float64("video_duration", duration),
		zap.String("fps", formatFPS(fps)),
	)

	return &port.FrameExtractionResult{
		FrameCount:    len(frames),
		VideoDuration: duration,
	}, nil
}

// ProbeVideo fails with entity.ErrInvalidVideoFormat when the file has no
// decodable video stream.
func (e *Extractor) ProbeVideo(ctx context.Context, videoPath string) error {
	cmd := exec.CommandContext(ctx, e.tools.FFprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_type",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return entity.Wrap(entity.ErrScriptNotFound, err)
		}
		return fmt.Errorf("%w: %s", entity.ErrInvalidVideoFormat, strings.TrimSpace(string(output)))
	}
	if strings.TrimSpace(string(output)) != "video" {
		return fmt.Errorf("%w: no video stream in %s", entity.ErrInvalidVideoFormat, videoPath)
	}
	return nil
}

func (e *Extractor) getVideoDuration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, e.tools.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	durationStr := strings.TrimSpace(string(output))
	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}

func withDefaults(t Tools) Tools {
	if t.FFmpeg == "" {
		t.FFmpeg = "ffmpeg"
	}
	if t.FFprobe == "" {
		t.FFprobe = "ffprobe"
	}
	t.Format = strings.TrimPrefix(t.Format, ".")
	if t.Format == "" {
		t.Format = "png"
	}
	if t.Codec == "" {
		t.Codec = "libx264"
	}
	return t
}

func formatFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}

func commandError(bin string, err error, output []byte) error {
	if errors.Is(err, exec.ErrNotFound) {
		return entity.Wrap(entity.ErrScriptNotFound, err)
	}
	return fmt.Errorf("%s error: %w, output: %s", filepath.Base(bin), err, tail(string(output), 2000))
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
