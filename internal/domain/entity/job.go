package entity

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateExtracting JobState = "extracting"
	JobStateProcessing JobState = "processing"
	JobStateAssembling JobState = "assembling"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

// happyPath maps each non-terminal state to its only forward successor.
var happyPath = map[JobState]JobState{
	JobStatePending:    JobStateExtracting,
	JobStateExtracting: JobStateProcessing,
	JobStateProcessing: JobStateAssembling,
	JobStateAssembling: JobStateCompleted,
}

func ParseJobState(s string) (JobState, error) {
	switch st := JobState(s); st {
	case JobStatePending, JobStateExtracting, JobStateProcessing, JobStateAssembling,
		JobStateCompleted, JobStateFailed, JobStateCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// CanTransitionTo reports whether s -> next is an allowed edge of the job
// lifecycle. failed and cancelled are reachable from any non-terminal state.
func (s JobState) CanTransitionTo(next JobState) bool {
	if s.Terminal() {
		return false
	}
	if next == JobStateFailed || next == JobStateCancelled {
		return true
	}
	return happyPath[s] == next
}

const (
	MinBatchSize     = 1
	MaxBatchSize     = 32
	DefaultBatchSize = 4
)

type Options struct {
	Model       string  `json:"model"`
	FPS         float64 `json:"fps"`
	BatchSize   int     `json:"batch_size"`
	Strength    float64 `json:"strength"`
	Temporal    bool    `json:"temporal"`
	BlendFactor float64 `json:"blend_factor"`
	Clean       bool    `json:"clean"`
	Resume      bool    `json:"resume"`
}

func DefaultOptions() Options {
	return Options{
		Model:       "default",
		FPS:         30,
		BatchSize:   DefaultBatchSize,
		Strength:    0.5,
		Temporal:    true,
		BlendFactor: 0.3,
		Resume:      true,
	}
}

func (o Options) Validate() error {
	switch {
	case o.BatchSize < MinBatchSize || o.BatchSize > MaxBatchSize:
		return fmt.Errorf("%w: batch size %d outside %d-%d", ErrInvalidOptions, o.BatchSize, MinBatchSize, MaxBatchSize)
	case o.Strength < 0 || o.Strength > 1:
		return fmt.Errorf("%w: strength %.2f outside 0.0-1.0", ErrInvalidOptions, o.Strength)
	case o.BlendFactor < 0 || o.BlendFactor > 1:
		return fmt.Errorf("%w: blend factor %.2f outside 0.0-1.0", ErrInvalidOptions, o.BlendFactor)
	case o.FPS <= 0:
		return fmt.Errorf("%w: fps must be positive", ErrInvalidOptions)
	}
	return nil
}

type Job struct {
	ID              string     `json:"id"`
	Input           string     `json:"input"`
	Output          string     `json:"output"`
	Options         Options    `json:"options"`
	State           JobState   `json:"state"`
	WorkDir         string     `json:"work_dir"`
	FramesDir       string     `json:"frames_dir"`
	EnhancedDir     string     `json:"enhanced_dir"`
	TotalFrames     int        `json:"total_frames"`
	ProcessedFrames int        `json:"processed_frames"`
	StartedAt       time.Time  `json:"started_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// jobNamespace scopes the name-based job ids so they never collide with
// ids minted for other purposes.
var jobNamespace = uuid.MustParse("6f1c2a3e-9b0d-4c8e-a7f5-2d3b4e5f6a7b")

// JobID is stable for a given (input, output) pair so a repeated request
// finds the previous run's record.
func JobID(input, output string) string {
	return uuid.NewSHA1(jobNamespace, []byte(input+"\x00"+output)).String()
}

// ValidJobID reports whether id is a job id in canonical form. Ids name
// record files and working directories, so nothing else is accepted.
func ValidJobID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.String() == id
}

func NewJob(input, output string, opts Options, workDir, framesDir, enhancedDir string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          JobID(input, output),
		Input:       input,
		Output:      output,
		Options:     opts,
		State:       JobStatePending,
		WorkDir:     workDir,
		FramesDir:   framesDir,
		EnhancedDir: enhancedDir,
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

func (j *Job) Transition(next JobState) error {
	if !j.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, next)
	}
	now := time.Now().UTC()
	j.State = next
	j.UpdatedAt = now
	if next == JobStateCompleted {
		j.CompletedAt = &now
	}
	return nil
}

func (j *Job) MarkFailed(errMsg string) error {
	if err := j.Transition(JobStateFailed); err != nil {
		return err
	}
	j.LastError = errMsg
	return nil
}

// Rearm puts a previously run job back to pending for a resumed run.
// Progress counters and working files are kept.
func (j *Job) Rearm() {
	j.State = JobStatePending
	j.LastError = ""
	j.CompletedAt = nil
	j.UpdatedAt = time.Now().UTC()
}

// SetProgress records frame counters, clamping processed to total once the
// total is known.
func (j *Job) SetProgress(processed, total int) {
	if total < 0 {
		total = 0
	}
	if processed < 0 {
		processed = 0
	}
	if total > 0 && processed > total {
		processed = total
	}
	j.TotalFrames = total
	j.ProcessedFrames = processed
	j.UpdatedAt = time.Now().UTC()
}

func (j *Job) ProgressPercent() int {
	return ProgressPercent(j.ProcessedFrames, j.TotalFrames)
}

func ProgressPercent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}

func (j *Job) Status() JobStatus {
	return JobStatus{
		ID:        j.ID,
		State:     j.State,
		Progress:  j.ProgressPercent(),
		Processed: j.ProcessedFrames,
		Total:     j.TotalFrames,
		Error:     j.LastError,
	}
}

type JobStatus struct {
	ID        string   `json:"id"`
	State     JobState `json:"state"`
	Progress  int      `json:"progress"`
	Processed int      `json:"processed"`
	Total     int      `json:"total"`
	Error     string   `json:"error,omitempty"`
}

// FrameDescriptor is one frame handed to the frame processor. Reference is
// set only where the temporal chain crosses a batch boundary.
type FrameDescriptor struct {
	Source      string
	Destination string
	Index       int
	Reference   string
}
