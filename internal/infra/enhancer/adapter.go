package enhancer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"mime"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/patrob/video-upscaler/internal/domain/entity"
	"github.com/patrob/video-upscaler/internal/domain/port"
	"github.com/patrob/video-upscaler/internal/infra/metrics"
	"go.uber.org/zap"
)

// Adapter enhances frames through the inference service and falls back to
// the local filter chain whenever the service errors or returns no image.
type Adapter struct {
	client port.InferenceClient
	logger *zap.Logger
}

// NewAdapter builds the adapter. A nil client sends every frame through the
// local fallback.
func NewAdapter(client port.InferenceClient, logger *zap.Logger) *Adapter {
	return &Adapter{client: client, logger: logger}
}

func (a *Adapter) Enhance(ctx context.Context, inputPath, outputPath string, params port.EnhanceParams) (string, error) {
	raw, err := os.ReadFile(inputPath)
	if err != nil {
		return "", fmt.Errorf("read frame %s: %w", inputPath, err)
	}
	src, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decode frame %s: %w", inputPath, err)
	}

	if a.client != nil {
		img, err := a.infer(ctx, raw, inputPath, src.Bounds(), params)
		if err == nil {
			if err := saveAtomic(img, outputPath); err != nil {
				return "", err
			}
			metrics.FramesEnhancedTotal.WithLabelValues("inference").Inc()
			return outputPath, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		a.logger.Warn("inference failed, using local filter",
			zap.String("frame", filepath.Base(inputPath)),
			zap.Error(err),
		)
	}

	if err := saveAtomic(Fallback(src, params.Strength), outputPath); err != nil {
		return "", err
	}
	metrics.FramesEnhancedTotal.WithLabelValues("fallback").Inc()
	return outputPath, nil
}

// EnhanceBatch enhances frames one after another in order. On failure it
// returns the outputs that finished before the failing frame.
func (a *Adapter) EnhanceBatch(ctx context.Context, frames []entity.FrameDescriptor, params port.EnhanceParams) ([]string, error) {
	outputs := make([]string, 0, len(frames))
	for _, fd := range frames {
		if err := ctx.Err(); err != nil {
			return outputs, err
		}
		out, err := a.Enhance(ctx, fd.Source, fd.Destination, params)
		if err != nil {
			return outputs, fmt.Errorf("frame %d: %w", fd.Index, err)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (a *Adapter) infer(ctx context.Context, raw []byte, inputPath string, bounds image.Rectangle, params port.EnhanceParams) (image.Image, error) {
	mimeType := mime.TypeByExtension(filepath.Ext(inputPath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	resp, err := a.client.Infer(ctx, port.InferenceRequest{
		Model:    params.Model,
		Prompt:   qualifiedPrompt(params),
		Image:    raw,
		MimeType: mimeType,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Images) == 0 {
		return nil, fmt.Errorf("%w: no image in response", entity.ErrInvalidResponse)
	}

	img, err := imaging.Decode(bytes.NewReader(resp.Images[0]))
	if err != nil {
		return nil, entity.Wrap(entity.ErrInvalidResponse, err)
	}
	if img.Bounds().Dx() != bounds.Dx() || img.Bounds().Dy() != bounds.Dy() {
		img = imaging.Resize(img, bounds.Dx(), bounds.Dy(), imaging.Lanczos)
	}
	return img, nil
}

func qualifiedPrompt(params port.EnhanceParams) string {
	return fmt.Sprintf("%s, enhancement strength %.2f", params.Prompt, params.Strength)
}

// saveAtomic writes img next to path and renames it into place so a frame
// is never seen half written.
func saveAtomic(img image.Image, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", dir, err)
	}
	tmpPath := filepath.Join(dir, ".tmp-"+filepath.Base(path))
	if err := imaging.Save(img, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("save frame %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename frame %s: %w", path, err)
	}
	return nil
}
