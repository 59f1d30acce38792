package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/patrob/video-upscaler/internal/domain/entity"
	"github.com/patrob/video-upscaler/internal/domain/port"
	"github.com/patrob/video-upscaler/internal/infra/email"
	"github.com/patrob/video-upscaler/internal/infra/metrics"
	"github.com/patrob/video-upscaler/internal/infra/rabbitmq"
	"github.com/patrob/video-upscaler/internal/usecase"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	verbose := fs.Bool("verbose", false, "human-readable debug logging")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*verbose, "worker")
	if err != nil {
		return err
	}
	defer a.close()
	cfg, log := a.cfg, a.log

	log.Info("starting video-upscaler worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := a.storage()
	if err != nil {
		return err
	}

	rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq for publisher: %w", err)
	}
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
	if err != nil {
		return fmt.Errorf("create rabbitmq publisher: %w", err)
	}
	defer pub.Close()

	var notifier port.FailureNotifier
	if cfg.SMTPHost != "" {
		notifier = email.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, log)
	}

	uc := usecase.NewProcessRequestUseCase(
		a.jobs,
		a.pipeline(storage),
		rabbitmq.NewStatusPublisher(pub),
		rabbitmq.NewDLQPublisher(pub, cfg.RabbitMQDLQ),
		notifier,
		log,
		entity.DefaultOptions(),
	)

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, log)

	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitMQURL,
		Queue:       cfg.RabbitMQRequestQueue,
		Exchange:    cfg.RabbitMQExchange,
		DLQ:         cfg.RabbitMQDLQ,
		StatusQueue: cfg.RabbitMQStatusQueue,
		Prefetch:    cfg.RabbitMQPrefetch,
		WorkerCount: cfg.WorkerCount,
		MaxAttempts: cfg.WorkerMaxAttempts,
		BaseDelayMs: cfg.RetryBaseDelayMs,
	}, uc.Execute, log)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	log.Info("video-upscaler worker started, consuming requests")

	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metrics.Shutdown(shutdownCtx, metricsSrv)

	_ = consumer.Close()
	log.Info("video-upscaler worker stopped")
	return nil
}

func runSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	input := fs.String("input", "", "input video path or s3://bucket/key")
	fs.StringVar(input, "i", "", "shorthand for --input")
	output := fs.String("output", "", "output video path or s3://bucket/key")
	fs.StringVar(output, "o", "", "shorthand for --output")
	notify := fs.String("notify-email", "", "address to notify if the job fails")
	opts := entity.DefaultOptions()
	fs.StringVar(&opts.Model, "model", opts.Model, "inference model name")
	fs.Float64Var(&opts.FPS, "fps", opts.FPS, "frames per second to extract and assemble")
	fs.IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "frames per inference batch (1-32)")
	fs.Float64Var(&opts.Strength, "strength", opts.Strength, "enhancement strength (0.0-1.0)")
	fs.BoolVar(&opts.Temporal, "temporal", opts.Temporal, "blend consecutive frames to reduce flicker")
	fs.Float64Var(&opts.BlendFactor, "blend", opts.BlendFactor, "temporal blend factor (0.0-1.0)")
	fs.BoolVar(&opts.Clean, "clean", opts.Clean, "remove working files after success")
	fs.BoolVar(&opts.Resume, "resume", opts.Resume, "continue a previous run of the same input/output")

	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*input) == "" || strings.TrimSpace(*output) == "" {
		fs.Usage()
		return errors.New("--input and --output are required")
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	in, out := usecase.NormalizePath(*input), usecase.NormalizePath(*output)
	body, err := json.Marshal(entity.EnhanceRequestMessage{
		Input:       in,
		Output:      out,
		Options:     &opts,
		NotifyEmail: strings.TrimSpace(*notify),
	})
	if err != nil {
		return err
	}

	a, err := newApp(false, "cli")
	if err != nil {
		return err
	}
	defer a.close()

	conn, err := amqp.Dial(a.cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	pub, err := rabbitmq.NewPublisher(conn, a.cfg.RabbitMQExchange)
	if err != nil {
		return fmt.Errorf("create rabbitmq publisher: %w", err)
	}
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pub.PublishRequest(ctx, body); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}

	fmt.Printf("job_id: %s\n", entity.JobID(in, out))
	fmt.Println("state: queued")
	return nil
}
