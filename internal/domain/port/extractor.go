package port

import "context"

type FrameExtractionResult struct {
	FrameCount    int
	VideoDuration float64
}

type FrameExtractor interface {
	ExtractFrames(ctx context.Context, videoPath string, outputDir string, fps float64) (*FrameExtractionResult, error)
}

type VideoAssembler interface {
	AssembleVideo(ctx context.Context, framesDir string, outputPath string, fps float64) (string, error)
}

// VideoProber validates that a file holds a decodable video stream.
type VideoProber interface {
	ProbeVideo(ctx context.Context, videoPath string) error
}
