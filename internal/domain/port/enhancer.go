package port

import (
	"context"

	"github.com/patrob/video-upscaler/internal/domain/entity"
)

type InferenceRequest struct {
	Model    string
	Prompt   string
	Image    []byte
	MimeType string
}

type InferenceResponse struct {
	Images [][]byte
}

// InferenceClient talks to the external image-enhancement service. Callers
// must treat every call as unreliable.
type InferenceClient interface {
	Infer(ctx context.Context, req InferenceRequest) (*InferenceResponse, error)
}

type EnhanceParams struct {
	Model    string
	Prompt   string
	Strength float64
}

type FrameEnhancer interface {
	Enhance(ctx context.Context, inputPath, outputPath string, params EnhanceParams) (string, error)
	// EnhanceBatch processes frames strictly in order. On error it returns the
	// outputs of the frames that finished before the failure.
	EnhanceBatch(ctx context.Context, frames []entity.FrameDescriptor, params EnhanceParams) ([]string, error)
}

// TemporalSmoother blends previousPath into currentPath in place.
type TemporalSmoother interface {
	Smooth(ctx context.Context, currentPath, previousPath string, blendFactor float64) error
}
