package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/patrob/video-upscaler/internal/domain/entity"
	"github.com/patrob/video-upscaler/internal/domain/port"
	"github.com/patrob/video-upscaler/internal/infra/metrics"
	"github.com/patrob/video-upscaler/internal/infra/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type PipelineConfig struct {
	FrameFormat  string
	CodecTimeout time.Duration
	Prompt       string
}

type Pipeline struct {
	jobs      *JobManager
	prober    port.VideoProber
	extractor port.FrameExtractor
	assembler port.VideoAssembler
	processor *FrameProcessor
	storage   port.ArtifactStorage
	logger    *zap.Logger
	frameExt  string
	timeout   time.Duration
	prompt    string
}

// NewPipeline wires the three phases together. storage may be nil when
// object storage is not configured; s3:// paths then fail.
func NewPipeline(
	jobs *JobManager,
	prober port.VideoProber,
	extractor port.FrameExtractor,
	assembler port.VideoAssembler,
	processor *FrameProcessor,
	storage port.ArtifactStorage,
	logger *zap.Logger,
	cfg PipelineConfig,
) *Pipeline {
	format := strings.TrimPrefix(cfg.FrameFormat, ".")
	if format == "" {
		format = "png"
	}
	return &Pipeline{
		jobs:      jobs,
		prober:    prober,
		extractor: extractor,
		assembler: assembler,
		processor: processor,
		storage:   storage,
		logger:    logger,
		frameExt:  "." + format,
		timeout:   cfg.CodecTimeout,
		prompt:    cfg.Prompt,
	}
}

// Run drives the job through extract, process and assemble and returns the
// output path. A failed phase marks the job failed and leaves its working
// files in place for inspection or resume. A job another run holds fails
// with entity.ErrJobBusy and is left untouched.
func (p *Pipeline) Run(ctx context.Context, jobID string) (string, error) {
	ctx, span := tracing.Tracer("usecase").Start(ctx, "Pipeline.Run")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	// the claim keeps a second run of the same job out of its working
	// directory until this one returns
	job, err := p.jobs.Claim(jobID)
	if err != nil {
		return "", err
	}
	defer p.jobs.Release(job.ID)
	log := p.logger.With(zap.String("job_id", job.ID))

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	totalTimer := time.Now()
	output, err := p.run(ctx, job, log)
	if err != nil {
		span.RecordError(err)
		return "", p.finishWithError(job.ID, err, log)
	}

	if err := p.jobs.Complete(job.ID); err != nil {
		return "", p.finishWithError(job.ID, err, log)
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(entity.JobStateCompleted)).Inc()
	metrics.PhaseDuration.WithLabelValues("total").Observe(time.Since(totalTimer).Seconds())
	log.Info("job completed", zap.String("output", output), zap.Duration("elapsed", time.Since(totalTimer)))

	if job.Options.Clean {
		if err := p.jobs.Cleanup(job.ID); err != nil {
			log.Warn("cleanup after completion failed", zap.Error(err))
		}
	}
	return output, nil
}

func (p *Pipeline) run(ctx context.Context, job *entity.Job, log *zap.Logger) (string, error) {
	if err := p.extractPhase(ctx, job, log); err != nil {
		return "", err
	}
	if err := p.processPhase(ctx, job, log); err != nil {
		return "", err
	}
	return p.assemblePhase(ctx, job, log)
}

func (p *Pipeline) finishWithError(id string, err error, log *zap.Logger) error {
	// a cancel that lands between a checkpoint and the next state change
	// surfaces as a rejected transition
	if errors.Is(err, entity.ErrInvalidTransition) && errors.Is(p.jobs.Checkpoint(id), entity.ErrCancelled) {
		err = entity.Wrap(entity.ErrCancelled, err)
	}
	if errors.Is(err, entity.ErrCancelled) || errors.Is(err, context.Canceled) {
		if cerr := p.jobs.Cancel(id); cerr != nil && !errors.Is(cerr, entity.ErrInvalidTransition) {
			log.Error("failed to record cancellation", zap.Error(cerr))
		}
		metrics.JobsFinishedTotal.WithLabelValues(string(entity.JobStateCancelled)).Inc()
		log.Info("job cancelled", zap.Error(err))
		return entity.Wrap(entity.ErrCancelled, err)
	}

	if ferr := p.jobs.Fail(id, err); ferr != nil {
		log.Error("failed to record job failure", zap.Error(ferr))
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(entity.JobStateFailed)).Inc()
	log.Error("job failed", zap.Error(err))
	return err
}

// enter checks for cancellation and then moves the job into state.
func (p *Pipeline) enter(ctx context.Context, id string, state entity.JobState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.jobs.Checkpoint(id); err != nil {
		return err
	}
	return p.jobs.UpdateState(id, state)
}

func (p *Pipeline) codecContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Pipeline) extractPhase(ctx context.Context, job *entity.Job, log *zap.Logger) error {
	if err := p.enter(ctx, job.ID, entity.JobStateExtracting); err != nil {
		return err
	}
	start := time.Now()
	ctx, span := tracing.Tracer("usecase").Start(ctx, "extract_frames")
	defer span.End()

	if job.Options.Resume {
		existing, err := listFrames(job.FramesDir, p.frameExt)
		if err != nil {
			return entity.Wrap(entity.ErrExtractionFailed, err)
		}
		if len(existing) > 0 {
			log.Info("frames already extracted, skipping extraction", zap.Int("frames", len(existing)))
			return p.jobs.UpdateProgress(job.ID, job.ProcessedFrames, len(existing))
		}
	}

	videoPath, err := p.resolveInput(ctx, job, log)
	if err != nil {
		return err
	}
	if _, err := os.Stat(videoPath); err != nil {
		return entity.Wrap(entity.ErrInputNotFound, err)
	}

	cctx, cancel := p.codecContext(ctx)
	defer cancel()

	if err := p.prober.ProbeVideo(cctx, videoPath); err != nil {
		return err
	}
	if err := resetDir(job.FramesDir); err != nil {
		return entity.Wrap(entity.ErrExtractionFailed, err)
	}

	result, err := p.extractor.ExtractFrames(cctx, videoPath, job.FramesDir, job.Options.FPS)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return entity.Wrap(entity.ErrExtractionFailed, err)
	}
	span.SetAttributes(attribute.Int("frames.count", result.FrameCount))
	metrics.PhaseDuration.WithLabelValues("extract").Observe(time.Since(start).Seconds())
	log.Info("frames extracted", zap.Int("frames", result.FrameCount), zap.Float64("video_duration", result.VideoDuration))

	return p.jobs.UpdateProgress(job.ID, job.ProcessedFrames, result.FrameCount)
}

func (p *Pipeline) processPhase(ctx context.Context, job *entity.Job, log *zap.Logger) error {
	if err := p.enter(ctx, job.ID, entity.JobStateProcessing); err != nil {
		return err
	}
	start := time.Now()
	ctx, span := tracing.Tracer("usecase").Start(ctx, "process_frames")
	defer span.End()

	frames, err := listFrames(job.FramesDir, p.frameExt)
	if err != nil {
		return entity.Wrap(entity.ErrProcessingFailed, err)
	}
	if len(frames) == 0 {
		return fmt.Errorf("%w: %s is empty", entity.ErrNoFramesFound, job.FramesDir)
	}
	enhanced, err := listFrames(job.EnhancedDir, p.frameExt)
	if err != nil {
		return entity.Wrap(entity.ErrProcessingFailed, err)
	}
	finished := make(map[string]bool, len(enhanced))
	for _, name := range enhanced {
		finished[name] = true
	}

	runs, done := pendingRuns(frames, finished, job)
	total := len(frames)
	if err := p.jobs.UpdateProgress(job.ID, done, total); err != nil {
		return err
	}
	pendingCount := total - done
	span.SetAttributes(attribute.Int("frames.total", total), attribute.Int("frames.pending", pendingCount))
	if pendingCount == 0 {
		log.Info("all frames already enhanced", zap.Int("frames", total))
		return nil
	}
	log.Info("processing frames", zap.Int("pending", pendingCount), zap.Int("already_done", done),
		zap.Int("total", total), zap.Int("runs", len(runs)))

	for _, run := range runs {
		base := done
		outs, err := p.processor.Process(ctx, ProcessRequest{
			Frames:      run.frames,
			Reference:   run.reference,
			BatchSize:   job.Options.BatchSize,
			Temporal:    job.Options.Temporal,
			BlendFactor: job.Options.BlendFactor,
			Params: port.EnhanceParams{
				Model:    job.Options.Model,
				Prompt:   p.prompt,
				Strength: job.Options.Strength,
			},
			OnProgress: func(processed int) {
				if err := p.jobs.UpdateProgress(job.ID, base+processed, total); err != nil {
					log.Warn("failed to record progress", zap.Error(err))
				}
			},
			Checkpoint: func() error {
				return p.jobs.Checkpoint(job.ID)
			},
		})
		done += len(outs)
		if err != nil {
			if errors.Is(err, entity.ErrCancelled) || ctx.Err() != nil {
				return err
			}
			return entity.Wrap(entity.ErrProcessingFailed, err)
		}
	}

	metrics.PhaseDuration.WithLabelValues("process").Observe(time.Since(start).Seconds())
	return nil
}

func (p *Pipeline) assemblePhase(ctx context.Context, job *entity.Job, log *zap.Logger) (string, error) {
	if err := p.enter(ctx, job.ID, entity.JobStateAssembling); err != nil {
		return "", err
	}
	start := time.Now()
	ctx, span := tracing.Tracer("usecase").Start(ctx, "assemble_video")
	defer span.End()

	bucket, key, remote := ParseObjectURI(job.Output)
	target := job.Output
	if remote {
		if p.storage == nil {
			return "", fmt.Errorf("%w: object storage is not configured for %s", entity.ErrAssemblyFailed, job.Output)
		}
		target = filepath.Join(job.WorkDir, "output"+filepath.Ext(key))
	} else if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", entity.Wrap(entity.ErrAssemblyFailed, err)
	}

	cctx, cancel := p.codecContext(ctx)
	defer cancel()

	if _, err := p.assembler.AssembleVideo(cctx, job.EnhancedDir, target, job.Options.FPS); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", entity.Wrap(entity.ErrAssemblyFailed, err)
	}

	if remote {
		if err := p.storage.UploadOutput(ctx, bucket, key, target); err != nil {
			return "", entity.Wrap(entity.ErrAssemblyFailed, err)
		}
		log.Info("output uploaded", zap.String("bucket", bucket), zap.String("key", key))
	}

	metrics.PhaseDuration.WithLabelValues("assemble").Observe(time.Since(start).Seconds())
	return job.Output, nil
}

// frameRun is a stretch of consecutive frames still to enhance. reference is
// the enhanced output of the frame just before it, if there is one.
type frameRun struct {
	frames    []entity.FrameDescriptor
	reference string
}

// pendingRuns splits the frames not yet enhanced into runs of consecutive
// frames, so a run after a gap of finished frames is smoothed against its
// real predecessor. It also returns how many frames are already done.
func pendingRuns(frames []string, finished map[string]bool, job *entity.Job) ([]frameRun, int) {
	var (
		runs []frameRun
		done int
	)
	for i, name := range frames {
		if finished[name] {
			done++
			continue
		}
		if i == 0 || finished[frames[i-1]] {
			run := frameRun{}
			if i > 0 {
				run.reference = filepath.Join(job.EnhancedDir, frames[i-1])
			}
			runs = append(runs, run)
		}
		last := &runs[len(runs)-1]
		last.frames = append(last.frames, entity.FrameDescriptor{
			Source:      filepath.Join(job.FramesDir, name),
			Destination: filepath.Join(job.EnhancedDir, name),
			Index:       i,
		})
	}
	return runs, done
}

// resolveInput returns a local path for the job's input, downloading s3://
// inputs into the working directory once.
func (p *Pipeline) resolveInput(ctx context.Context, job *entity.Job, log *zap.Logger) (string, error) {
	bucket, key, remote := ParseObjectURI(job.Input)
	if !remote {
		return job.Input, nil
	}
	if p.storage == nil {
		return "", fmt.Errorf("%w: object storage is not configured for %s", entity.ErrInputNotFound, job.Input)
	}

	local := filepath.Join(job.WorkDir, "input"+filepath.Ext(key))
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	if err := p.storage.DownloadInput(ctx, bucket, key, local); err != nil {
		return "", entity.Wrap(entity.ErrInputNotFound, err)
	}
	log.Info("input downloaded", zap.String("bucket", bucket), zap.String("key", key))
	return local, nil
}

// ParseObjectURI splits s3://bucket/key. ok is false for local paths.
func ParseObjectURI(path string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(path, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// NormalizePath makes local paths absolute so the same file always maps to
// the same job id. Object URIs are returned unchanged.
func NormalizePath(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// listFrames returns the frame file names in dir in lexicographic order,
// which is also temporal order. Hidden files are ignored.
func listFrames(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read frames dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
