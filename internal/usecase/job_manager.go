package usecase

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/patrob/video-upscaler/internal/domain/entity"
	"github.com/patrob/video-upscaler/internal/domain/port"
	"go.uber.org/zap"
)

var ErrManagerClosed = errors.New("job manager closed")

const (
	framesDirName   = "frames"
	enhancedDirName = "enhanced"
)

// JobManager owns every job record. All reads and mutations run one at a
// time on a single goroutine, in submission order, and each mutation is
// written through to the repository before it becomes visible.
type JobManager struct {
	repo     port.JobRepository
	workRoot string
	logger   *zap.Logger

	jobs    map[string]*entity.Job // touched only by loop
	running map[string]bool        // claimed by an in-flight run; touched only by loop

	cmds    chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func NewJobManager(repo port.JobRepository, workRoot string, logger *zap.Logger) (*JobManager, error) {
	loaded, err := repo.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load job records: %w", err)
	}

	m := &JobManager{
		repo:     repo,
		workRoot: workRoot,
		logger:   logger,
		jobs:     make(map[string]*entity.Job, len(loaded)),
		running:  make(map[string]bool),
		cmds:     make(chan func()),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, j := range loaded {
		m.jobs[j.ID] = j
	}
	logger.Debug("job records loaded", zap.Int("count", len(loaded)))

	go m.loop()
	return m, nil
}

func (m *JobManager) loop() {
	defer close(m.stopped)
	for {
		select {
		case cmd := <-m.cmds:
			cmd()
		case <-m.quit:
			return
		}
	}
}

// Close stops the command loop. Calls made afterwards fail with ErrManagerClosed.
func (m *JobManager) Close() {
	m.once.Do(func() { close(m.quit) })
	<-m.stopped
}

func (m *JobManager) do(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case m.cmds <- func() { errCh <- fn() }:
	case <-m.quit:
		return ErrManagerClosed
	}
	return <-errCh
}

// CreateOrResume returns the job for (input, output). With opts.Resume an
// existing record is reused with the new options and its state and progress
// untouched; otherwise the previous working files are wiped and the record
// starts from scratch. A job claimed by a run fails with entity.ErrJobBusy.
func (m *JobManager) CreateOrResume(input, output string, opts entity.Options) (*entity.Job, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	id := entity.JobID(input, output)
	var out *entity.Job
	err := m.do(func() error {
		if m.running[id] {
			return fmt.Errorf("%w: %s", entity.ErrJobBusy, id)
		}
		existing, err := m.lookup(id)
		if err != nil && !errors.Is(err, entity.ErrJobNotFound) {
			return err
		}

		if existing != nil && opts.Resume {
			next := cloneJob(existing)
			next.Options = opts
			if err := m.persist(next); err != nil {
				return err
			}
			m.logger.Info("resuming job", zap.String("job_id", id), zap.String("state", string(next.State)),
				zap.Int("processed", next.ProcessedFrames), zap.Int("total", next.TotalFrames))
			out = cloneJob(next)
			return nil
		}

		workDir := filepath.Join(m.workRoot, id)
		if !opts.Resume {
			if err := m.removeJobFiles(id, existing); err != nil {
				return err
			}
		}

		job := entity.NewJob(input, output, opts, workDir,
			filepath.Join(workDir, framesDirName), filepath.Join(workDir, enhancedDirName))
		for _, dir := range []string{job.FramesDir, job.EnhancedDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create working dir %s: %w", dir, err)
			}
		}
		if err := m.persist(job); err != nil {
			return err
		}
		m.logger.Info("job created", zap.String("job_id", id), zap.String("input", input), zap.String("output", output))
		out = cloneJob(job)
		return nil
	})
	return out, err
}

func (m *JobManager) Get(id string) (*entity.Job, error) {
	var out *entity.Job
	err := m.do(func() error {
		job, err := m.lookup(id)
		if err != nil {
			return err
		}
		out = cloneJob(job)
		return nil
	})
	return out, err
}

func (m *JobManager) Status(id string) (entity.JobStatus, error) {
	job, err := m.Get(id)
	if err != nil {
		return entity.JobStatus{}, err
	}
	return job.Status(), nil
}

// List returns the status of every known job, oldest first.
func (m *JobManager) List() []entity.JobStatus {
	var jobs []*entity.Job
	_ = m.do(func() error {
		for _, j := range m.jobs {
			jobs = append(jobs, cloneJob(j))
		}
		return nil
	})
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].StartedAt.Equal(jobs[b].StartedAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].StartedAt.Before(jobs[b].StartedAt)
	})

	out := make([]entity.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status())
	}
	return out
}

func (m *JobManager) UpdateState(id string, state entity.JobState) error {
	_, err := m.mutate(id, func(j *entity.Job) error {
		return j.Transition(state)
	})
	return err
}

func (m *JobManager) UpdateProgress(id string, processed, total int) error {
	_, err := m.mutate(id, func(j *entity.Job) error {
		j.SetProgress(processed, total)
		return nil
	})
	return err
}

func (m *JobManager) Fail(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := m.mutate(id, func(j *entity.Job) error {
		return j.MarkFailed(msg)
	})
	return err
}

func (m *JobManager) Complete(id string) error {
	_, err := m.mutate(id, func(j *entity.Job) error {
		return j.Transition(entity.JobStateCompleted)
	})
	return err
}

// Cancel marks the job cancelled. In-flight work notices at its next
// checkpoint; nothing is interrupted.
func (m *JobManager) Cancel(id string) error {
	_, err := m.mutate(id, func(j *entity.Job) error {
		if j.State == entity.JobStateCancelled {
			return nil
		}
		return j.Transition(entity.JobStateCancelled)
	})
	return err
}

// Claim reserves the job for one run and returns it ready to start: a job
// left in any other state by an earlier run is moved back to pending. A job
// already claimed fails with entity.ErrJobBusy. Every successful Claim must
// be paired with Release.
func (m *JobManager) Claim(id string) (*entity.Job, error) {
	var out *entity.Job
	err := m.do(func() error {
		if m.running[id] {
			return fmt.Errorf("%w: %s", entity.ErrJobBusy, id)
		}
		cur, err := m.lookup(id)
		if err != nil {
			return err
		}
		next := cloneJob(cur)
		if next.State != entity.JobStatePending {
			m.logger.Info("job re-armed for resumed run", zap.String("job_id", id),
				zap.String("previous_state", string(next.State)))
			next.Rearm()
			if err := m.persist(next); err != nil {
				return err
			}
		}
		m.running[id] = true
		out = cloneJob(next)
		return nil
	})
	return out, err
}

// Release ends the claim taken by Claim.
func (m *JobManager) Release(id string) {
	_ = m.do(func() error {
		delete(m.running, id)
		return nil
	})
}

// Checkpoint returns entity.ErrCancelled once the job has been cancelled,
// including by another process writing the record.
func (m *JobManager) Checkpoint(id string) error {
	return m.do(func() error {
		job, err := m.lookup(id)
		if err != nil {
			return err
		}
		m.adoptExternalCancel(job)
		if job.State == entity.JobStateCancelled {
			return entity.ErrCancelled
		}
		return nil
	})
}

// Cleanup removes the job's working tree and its record. Missing files are
// not an error.
func (m *JobManager) Cleanup(id string) error {
	return m.do(func() error {
		job, err := m.lookup(id)
		if err != nil && !errors.Is(err, entity.ErrJobNotFound) {
			return err
		}
		if err := m.removeJobFiles(id, job); err != nil {
			return err
		}
		delete(m.jobs, id)
		m.logger.Info("job cleaned up", zap.String("job_id", id))
		return nil
	})
}

// Everything below runs on the loop goroutine.

func (m *JobManager) mutate(id string, fn func(j *entity.Job) error) (*entity.Job, error) {
	var out *entity.Job
	err := m.do(func() error {
		cur, err := m.lookup(id)
		if err != nil {
			return err
		}
		m.adoptExternalCancel(cur)

		next := cloneJob(cur)
		if err := fn(next); err != nil {
			return err
		}
		if err := m.persist(next); err != nil {
			return err
		}
		out = cloneJob(next)
		return nil
	})
	return out, err
}

func (m *JobManager) lookup(id string) (*entity.Job, error) {
	if job, ok := m.jobs[id]; ok {
		return job, nil
	}
	if !entity.ValidJobID(id) {
		return nil, fmt.Errorf("%w: %q", entity.ErrJobNotFound, id)
	}
	job, err := m.repo.Load(id)
	if err != nil {
		return nil, err
	}
	m.jobs[id] = job
	return job, nil
}

func (m *JobManager) persist(job *entity.Job) error {
	if err := m.repo.Save(job); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	m.jobs[job.ID] = job
	return nil
}

// adoptExternalCancel picks up a cancellation written to the record by
// another process so later writes from this one do not overwrite it.
func (m *JobManager) adoptExternalCancel(job *entity.Job) {
	if job.State == entity.JobStateCancelled {
		return
	}
	disk, err := m.repo.Load(job.ID)
	if err != nil || disk.State != entity.JobStateCancelled {
		return
	}
	job.State = entity.JobStateCancelled
	job.UpdatedAt = disk.UpdatedAt
	m.logger.Info("job cancelled externally", zap.String("job_id", job.ID))
}

func (m *JobManager) removeJobFiles(id string, job *entity.Job) error {
	if job == nil && !entity.ValidJobID(id) {
		return nil
	}
	workDir := filepath.Join(m.workRoot, id)
	if job != nil && job.WorkDir != "" {
		workDir = job.WorkDir
	}
	if err := os.RemoveAll(workDir); err != nil {
		return fmt.Errorf("remove working dir %s: %w", workDir, err)
	}
	if err := m.repo.Delete(id); err != nil {
		return err
	}
	delete(m.jobs, id)
	return nil
}

func cloneJob(j *entity.Job) *entity.Job {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
