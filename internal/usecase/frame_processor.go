package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/patrob/video-upscaler/internal/domain/entity"
	"github.com/patrob/video-upscaler/internal/domain/port"
	"github.com/patrob/video-upscaler/internal/infra/metrics"
	"github.com/patrob/video-upscaler/internal/infra/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type FrameProcessorConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

type FrameProcessor struct {
	enhancer   port.FrameEnhancer
	smoother   port.TemporalSmoother
	logger     *zap.Logger
	maxRetries int
	retryDelay time.Duration
}

func NewFrameProcessor(enhancer port.FrameEnhancer, smoother port.TemporalSmoother, logger *zap.Logger, cfg FrameProcessorConfig) *FrameProcessor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &FrameProcessor{
		enhancer:   enhancer,
		smoother:   smoother,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

type ProcessRequest struct {
	Frames []entity.FrameDescriptor
	// Reference is the enhanced frame immediately preceding Frames[0], if any.
	Reference   string
	BatchSize   int
	Temporal    bool
	BlendFactor float64
	Params      port.EnhanceParams
	// OnProgress receives the number of frames finished so far in this call.
	OnProgress func(processed int)
	// Checkpoint is consulted before every batch; an error stops processing.
	Checkpoint func() error
}

// Process enhances req.Frames in order and returns their output paths. It is
// a sequential fold over fixed-size batches carrying the last enhanced frame
// forward; a failed batch degrades to one-at-a-time processing from the
// first frame the batch did not finish. On error the outputs finished so far
// are returned with it.
func (p *FrameProcessor) Process(ctx context.Context, req ProcessRequest) ([]string, error) {
	batchSize := req.BatchSize
	if batchSize < entity.MinBatchSize || batchSize > entity.MaxBatchSize {
		batchSize = entity.DefaultBatchSize
	}

	outputs := make([]string, 0, len(req.Frames))
	last := req.Reference
	report := func() {
		if req.OnProgress != nil {
			req.OnProgress(len(outputs))
		}
	}

	for start := 0; start < len(req.Frames); start += batchSize {
		if req.Checkpoint != nil {
			if err := req.Checkpoint(); err != nil {
				return outputs, err
			}
		}
		if err := ctx.Err(); err != nil {
			return outputs, err
		}

		end := min(start+batchSize, len(req.Frames))
		chunk := make([]entity.FrameDescriptor, end-start)
		copy(chunk, req.Frames[start:end])
		if req.Temporal && last != "" {
			chunk[0].Reference = last
		}

		done, err := p.runBatch(ctx, chunk, req)
		if len(done) > 0 {
			outputs = append(outputs, done...)
			last = done[len(done)-1]
			report()
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return outputs, ctx.Err()
		}

		metrics.BatchFallbacksTotal.Inc()
		p.logger.Warn("batch failed, falling back to sequential processing",
			zap.Int("first_index", chunk[0].Index),
			zap.Int("finished", len(done)),
			zap.Int("remaining", len(chunk)-len(done)),
			zap.Error(err),
		)

		for _, fd := range chunk[len(done):] {
			fd.Reference = ""
			if req.Temporal {
				fd.Reference = last
			}
			out, err := p.processFrame(ctx, fd, req)
			if err != nil {
				return outputs, err
			}
			outputs = append(outputs, out)
			last = out
			report()
		}
	}
	return outputs, nil
}

// runBatch submits chunk as one request and then smooths the finished frames
// in order. It returns the outputs of every frame that finished.
func (p *FrameProcessor) runBatch(ctx context.Context, chunk []entity.FrameDescriptor, req ProcessRequest) ([]string, error) {
	ctx, span := tracing.Tracer("usecase").Start(ctx, "FrameProcessor.batch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("batch.first_index", chunk[0].Index),
		attribute.Int("batch.size", len(chunk)),
	)

	outs, err := p.enhancer.EnhanceBatch(ctx, chunk, req.Params)
	if len(outs) > len(chunk) {
		outs = outs[:len(chunk)]
	}
	if err == nil && len(outs) < len(chunk) {
		err = fmt.Errorf("%w: batch returned %d of %d frames", entity.ErrInvalidResponse, len(outs), len(chunk))
	}

	prev := chunk[0].Reference
	for i, out := range outs {
		if req.Temporal && prev != "" {
			p.smooth(ctx, out, prev, req.BlendFactor, chunk[i].Index)
		}
		prev = out
	}
	if err != nil {
		span.RecordError(err)
	}
	return outs, err
}

// processFrame enhances one frame, retrying with a fixed delay, then applies
// best-effort temporal smoothing against fd.Reference.
func (p *FrameProcessor) processFrame(ctx context.Context, fd entity.FrameDescriptor, req ProcessRequest) (string, error) {
	var (
		out string
		err error
	)
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.FrameRetriesTotal.Inc()
			p.logger.Warn("retrying frame",
				zap.Int("index", fd.Index),
				zap.Int("attempt", attempt),
				zap.Duration("delay", p.retryDelay),
				zap.Error(err),
			)
			select {
			case <-time.After(p.retryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		out, err = p.enhancer.Enhance(ctx, fd.Source, fd.Destination, req.Params)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("frame %d failed after %d attempts: %w", fd.Index, p.maxRetries+1, err)
	}

	if req.Temporal && fd.Reference != "" {
		p.smooth(ctx, out, fd.Reference, req.BlendFactor, fd.Index)
	}
	return out, nil
}

// smooth never fails the frame: on error the unsmoothed output stays.
func (p *FrameProcessor) smooth(ctx context.Context, current, previous string, blend float64, index int) {
	if err := p.smoother.Smooth(ctx, current, previous, blend); err != nil {
		metrics.TemporalBlendsTotal.WithLabelValues("failed").Inc()
		p.logger.Warn("temporal smoothing failed, keeping enhanced frame",
			zap.Int("index", index),
			zap.Error(err),
		)
		return
	}
	metrics.TemporalBlendsTotal.WithLabelValues("applied").Inc()
}
