package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/patrob/video-upscaler/internal/domain/entity"
	"github.com/patrob/video-upscaler/internal/domain/port"
	"github.com/patrob/video-upscaler/internal/infra/metrics"
	"github.com/patrob/video-upscaler/internal/usecase"
	"go.uber.org/zap"
)

const progressInterval = 2 * time.Second

type enhanceFlags struct {
	input   string
	output  string
	opts    entity.Options
	verbose bool
	jsonOut bool
}

func parseEnhanceFlags(args []string) (*enhanceFlags, error) {
	f := &enhanceFlags{opts: entity.DefaultOptions()}

	fs := flag.NewFlagSet("enhance", flag.ContinueOnError)
	fs.StringVar(&f.input, "input", "", "input video path or s3://bucket/key")
	fs.StringVar(&f.input, "i", "", "shorthand for --input")
	fs.StringVar(&f.output, "output", "", "output video path or s3://bucket/key")
	fs.StringVar(&f.output, "o", "", "shorthand for --output")
	fs.StringVar(&f.opts.Model, "model", f.opts.Model, "inference model name")
	fs.Float64Var(&f.opts.FPS, "fps", f.opts.FPS, "frames per second to extract and assemble")
	fs.IntVar(&f.opts.BatchSize, "batch-size", f.opts.BatchSize, "frames per inference batch (1-32)")
	fs.Float64Var(&f.opts.Strength, "strength", f.opts.Strength, "enhancement strength (0.0-1.0)")
	fs.BoolVar(&f.opts.Temporal, "temporal", f.opts.Temporal, "blend consecutive frames to reduce flicker")
	fs.Float64Var(&f.opts.BlendFactor, "blend", f.opts.BlendFactor, "temporal blend factor (0.0-1.0)")
	fs.BoolVar(&f.opts.Clean, "clean", f.opts.Clean, "remove working files after success")
	fs.BoolVar(&f.opts.Resume, "resume", f.opts.Resume, "continue a previous run of the same input/output")
	fs.BoolVar(&f.verbose, "verbose", false, "human-readable debug logging")
	fs.BoolVar(&f.jsonOut, "json", false, "print JSON output")

	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f.input = strings.TrimSpace(f.input)
	f.output = strings.TrimSpace(f.output)
	if f.input == "" || f.output == "" {
		fs.Usage()
		return nil, errors.New("--input and --output are required")
	}
	if err := f.opts.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func runEnhance(args []string) error {
	f, err := parseEnhanceFlags(args)
	if err != nil {
		return err
	}

	a, err := newApp(f.verbose, "cli")
	if err != nil {
		return err
	}
	defer a.close()

	input := usecase.NormalizePath(f.input)
	output := usecase.NormalizePath(f.output)

	var storage port.ArtifactStorage
	if isRemote(input) || isRemote(output) {
		s, err := a.storage()
		if err != nil {
			return err
		}
		storage = s
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := metrics.StartMetricsServer(a.cfg.MetricsPort, a.log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metrics.Shutdown(shutdownCtx, srv)
	}()

	job, err := a.jobs.CreateOrResume(input, output, f.opts)
	if err != nil {
		return err
	}
	a.log.Info("enhancement started", zap.String("job_id", job.ID), zap.String("input", input), zap.String("output", output))

	done := make(chan struct{})
	if !f.verbose && !f.jsonOut {
		go reportProgress(a.jobs, job.ID, done)
	}
	_, runErr := a.pipeline(storage).Run(ctx, job.ID)
	close(done)

	status, err := a.jobs.Status(job.ID)
	if errors.Is(err, entity.ErrJobNotFound) && runErr == nil {
		// removed by --clean
		status = entity.JobStatus{ID: job.ID, State: entity.JobStateCompleted, Progress: 100}
		err = nil
	}
	if err != nil {
		return errors.Join(runErr, err)
	}

	if f.jsonOut {
		if err := printJSON(status); err != nil {
			return err
		}
	} else {
		printStatus(status)
		if runErr == nil {
			fmt.Printf("output: %s\n", output)
		}
	}
	return runErr
}

// reportProgress prints a progress line to stderr whenever it changes.
func reportProgress(jobs *usecase.JobManager, id string, done <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			st, err := jobs.Status(id)
			if err != nil {
				continue
			}
			line := fmt.Sprintf("%s %d/%d (%d%%)", st.State, st.Processed, st.Total, st.Progress)
			if line != last {
				fmt.Fprintln(os.Stderr, line)
				last = line
			}
		}
	}
}

func isRemote(path string) bool {
	_, _, ok := usecase.ParseObjectURI(path)
	return ok
}
