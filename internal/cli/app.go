package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/patrob/video-upscaler/internal/domain/port"
	"github.com/patrob/video-upscaler/internal/infra/config"
	"github.com/patrob/video-upscaler/internal/infra/enhancer"
	"github.com/patrob/video-upscaler/internal/infra/ffmpeg"
	"github.com/patrob/video-upscaler/internal/infra/filestore"
	miniostorage "github.com/patrob/video-upscaler/internal/infra/minio"
	"github.com/patrob/video-upscaler/internal/infra/tracing"
	"github.com/patrob/video-upscaler/internal/temporal"
	"github.com/patrob/video-upscaler/internal/usecase"
	"github.com/patrob/video-upscaler/pkg/logger"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// app holds what every command shares: config, logger and the job manager
// over the on-disk record store.
type app struct {
	cfg  *config.Config
	log  *zap.Logger
	jobs *usecase.JobManager
	tp   *sdktrace.TracerProvider
}

func newApp(verbose bool, mode string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var log *zap.Logger
	if verbose {
		log, err = logger.NewConsole("debug")
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	tp, err := tracing.InitTracer(context.Background(), cfg.OTLPEndpoint, mode)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	}

	repo, err := filestore.NewJobRepository(cfg.StateDir, log)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	jobs, err := usecase.NewJobManager(repo, cfg.WorkRoot, log)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, log: log, jobs: jobs, tp: tp}, nil
}

func (a *app) close() {
	a.jobs.Close()
	if a.tp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tp.Shutdown(ctx)
	}
	_ = a.log.Sync()
}

// storage connects object storage; the client is lazy so this only fails on
// a malformed endpoint.
func (a *app) storage() (*miniostorage.Storage, error) {
	s, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:  a.cfg.MinIOEndpoint,
		AccessKey: a.cfg.MinIOAccessKey,
		SecretKey: a.cfg.MinIOSecretKey,
		UseSSL:    a.cfg.MinIOUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio storage: %w", err)
	}
	return s, nil
}

// pipeline builds the processing stack. storage may be nil.
func (a *app) pipeline(storage port.ArtifactStorage) *usecase.Pipeline {
	tools := ffmpeg.Tools{
		FFmpeg:  a.cfg.FFmpegBinary,
		FFprobe: a.cfg.FFprobeBinary,
		Format:  a.cfg.FrameFormat,
		Codec:   a.cfg.VideoCodec,
	}
	extractor := ffmpeg.NewExtractor(tools, a.log)
	assembler := ffmpeg.NewAssembler(tools, a.log)

	var client port.InferenceClient
	if a.cfg.InferenceURL != "" {
		client = enhancer.NewHTTPClient(a.cfg.InferenceURL, a.cfg.InferenceTimeout)
	}
	processor := usecase.NewFrameProcessor(
		enhancer.NewAdapter(client, a.log),
		temporal.NewSmoother(a.log),
		a.log,
		usecase.FrameProcessorConfig{
			MaxRetries: a.cfg.FrameRetries,
			RetryDelay: a.cfg.FrameRetryDelay,
		},
	)

	return usecase.NewPipeline(
		a.jobs, extractor, extractor, assembler, processor, storage, a.log,
		usecase.PipelineConfig{
			FrameFormat:  a.cfg.FrameFormat,
			CodecTimeout: a.cfg.CodecTimeout,
			Prompt:       a.cfg.InferencePrompt,
		},
	)
}
