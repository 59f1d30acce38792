package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/patrob/video-upscaler/internal/domain/entity"
	"github.com/patrob/video-upscaler/internal/domain/port"
	"github.com/patrob/video-upscaler/internal/infra/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ProcessRequestUseCase handles one enhancement request taken off the queue.
type ProcessRequestUseCase struct {
	jobs      *JobManager
	pipeline  *Pipeline
	publisher port.StatusPublisher
	dlq       port.DLQPublisher
	notifier  port.FailureNotifier
	logger    *zap.Logger
	defaults  entity.Options
}

// NewProcessRequestUseCase builds the handler. notifier may be nil.
func NewProcessRequestUseCase(
	jobs *JobManager,
	pipeline *Pipeline,
	publisher port.StatusPublisher,
	dlq port.DLQPublisher,
	notifier port.FailureNotifier,
	logger *zap.Logger,
	defaults entity.Options,
) *ProcessRequestUseCase {
	return &ProcessRequestUseCase{
		jobs:      jobs,
		pipeline:  pipeline,
		publisher: publisher,
		dlq:       dlq,
		notifier:  notifier,
		logger:    logger,
		defaults:  defaults,
	}
}

// Execute runs the requested job to an end state. Only infrastructure
// errors, shutdown interruptions and duplicates of a job already running
// (entity.ErrJobBusy) are returned; a job that fails is reported on the
// status queue and acknowledged, never retried behind the user's back.
func (uc *ProcessRequestUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	ctx, span := tracing.Tracer("usecase").Start(ctx, "ProcessRequestUseCase.Execute")
	defer span.End()

	var msg entity.EnhanceRequestMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		uc.logger.Error("failed to unmarshal request", zap.Error(err), zap.ByteString("body", rawMsg))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "unmarshal_error: "+err.Error())
		return nil
	}
	if msg.Input == "" || msg.Output == "" {
		uc.logger.Error("request missing input or output", zap.ByteString("body", rawMsg))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "invalid_request: input and output are required")
		return nil
	}

	opts := uc.defaults
	if msg.Options != nil {
		opts = *msg.Options
	}

	job, err := uc.jobs.CreateOrResume(NormalizePath(msg.Input), NormalizePath(msg.Output), opts)
	if errors.Is(err, entity.ErrInvalidOptions) {
		uc.logger.Error("request has invalid options", zap.Error(err))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, err.Error())
		return nil
	}
	if err != nil {
		// includes entity.ErrJobBusy for a duplicate of a running request
		return fmt.Errorf("create job: %w", err)
	}

	span.SetAttributes(attribute.String("job.id", job.ID), attribute.String("job.input", job.Input))
	log := uc.logger.With(zap.String("job_id", job.ID))

	_, runErr := uc.pipeline.Run(ctx, job.ID)
	if errors.Is(runErr, entity.ErrJobBusy) {
		log.Info("job already running, deferring duplicate request")
		return runErr
	}
	if runErr != nil && ctx.Err() != nil {
		// shutting down: the request goes back on the queue and resumes elsewhere
		return fmt.Errorf("run interrupted: %w", runErr)
	}

	final, err := uc.jobs.Get(job.ID)
	switch {
	case err == nil:
	case errors.Is(err, entity.ErrJobNotFound) && runErr == nil:
		// cleaned up after completion
		final = job
		final.State = entity.JobStateCompleted
		final.ProcessedFrames = final.TotalFrames
	default:
		log.Error("failed to load job after run", zap.Error(err))
		final = job
	}
	uc.publishStatus(ctx, final, log)

	if runErr != nil && !errors.Is(runErr, entity.ErrCancelled) && msg.NotifyEmail != "" && uc.notifier != nil {
		if err := uc.notifier.NotifyFailure(ctx, msg.NotifyEmail, job.ID, job.Input, runErr.Error()); err != nil {
			log.Warn("failure notification not sent", zap.Error(err))
		}
	}
	return nil
}

func (uc *ProcessRequestUseCase) publishStatus(ctx context.Context, job *entity.Job, log *zap.Logger) {
	data, _ := json.Marshal(entity.NewJobStatusMessage(job))
	if err := uc.publisher.PublishStatus(ctx, data); err != nil {
		log.Error("failed to publish status", zap.Error(err))
	}
}
