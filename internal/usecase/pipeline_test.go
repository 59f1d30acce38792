package usecase

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/patrob/video-upscaler/internal/domain/entity"
	"github.com/patrob/video-upscaler/internal/domain/port"
	"github.com/patrob/video-upscaler/internal/infra/enhancer"
	"github.com/patrob/video-upscaler/internal/temporal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pipelineFixture struct {
	jobs      *JobManager
	progress  *progressRecorder
	root      string
	input     string
	output    string
	prober    *fakeProber
	extractor *fakeExtractor
	assembler *fakeAssembler
	enhancer  *fakeEnhancer
	smoother  *recordingSmoother
}

func newPipelineFixture(t *testing.T, frames int) *pipelineFixture {
	t.Helper()
	m, rec, root := newRecordingManager(t)
	input := filepath.Join(root, "in.mp4")
	require.NoError(t, os.WriteFile(input, []byte("video"), 0o644))
	return &pipelineFixture{
		jobs:      m,
		progress:  rec,
		root:      root,
		input:     input,
		output:    filepath.Join(root, "out", "out.mp4"),
		prober:    &fakeProber{},
		extractor: &fakeExtractor{count: frames},
		assembler: &fakeAssembler{},
		enhancer:  newFakeEnhancer(),
		smoother:  &recordingSmoother{},
	}
}

func (f *pipelineFixture) pipeline(enh port.FrameEnhancer, sm port.TemporalSmoother) *Pipeline {
	if enh == nil {
		enh = f.enhancer
	}
	if sm == nil {
		sm = f.smoother
	}
	processor := NewFrameProcessor(enh, sm, zap.NewNop(), FrameProcessorConfig{MaxRetries: 3, RetryDelay: time.Millisecond})
	return NewPipeline(f.jobs, f.prober, f.extractor, f.assembler, processor, nil, zap.NewNop(),
		PipelineConfig{FrameFormat: "png", Prompt: "enhance"})
}

func (f *pipelineFixture) create(t *testing.T, opts entity.Options) *entity.Job {
	t.Helper()
	job, err := f.jobs.CreateOrResume(f.input, f.output, opts)
	require.NoError(t, err)
	return job
}

func TestRunCompletesJob(t *testing.T) {
	f := newPipelineFixture(t, 4)
	job := f.create(t, entity.DefaultOptions())

	out, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, f.output, out)
	assert.FileExists(t, f.output)

	st, err := f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateCompleted, st.State)
	assert.Equal(t, 4, st.Processed)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 100, st.Progress)

	assert.Equal(t, 1, f.enhancer.batchCalls)
	assert.Len(t, f.smoother.calls, 3)
	assert.Equal(t, 4, f.assembler.frames)
	assert.DirExists(t, job.WorkDir, "working files kept without --clean")
}

func TestRunWithFailingInferenceStillCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newPipelineFixture(t, 4)
	job := f.create(t, entity.DefaultOptions())

	adapter := enhancer.NewAdapter(enhancer.NewHTTPClient(srv.URL, time.Second), zap.NewNop())
	_, err := f.pipeline(adapter, temporal.NewSmoother(zap.NewNop())).Run(context.Background(), job.ID)
	require.NoError(t, err)

	st, err := f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateCompleted, st.State)
	assert.Equal(t, 4, f.assembler.frames)
}

func TestRunNoFramesFails(t *testing.T) {
	f := newPipelineFixture(t, 0)
	job := f.create(t, entity.DefaultOptions())

	_, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, entity.ErrNoFramesFound)

	st, err := f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateFailed, st.State)
	assert.True(t, strings.HasPrefix(st.Error, "no_frames_found"), st.Error)
	assert.Zero(t, f.assembler.calls)
}

func TestRunMissingInputFails(t *testing.T) {
	f := newPipelineFixture(t, 4)
	require.NoError(t, os.Remove(f.input))
	job := f.create(t, entity.DefaultOptions())

	_, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, entity.ErrInputNotFound)
	assert.Zero(t, f.extractor.calls)
}

func TestRunInvalidVideoFails(t *testing.T) {
	f := newPipelineFixture(t, 4)
	f.prober.err = entity.Wrap(entity.ErrInvalidVideoFormat, errBoom)
	job := f.create(t, entity.DefaultOptions())

	_, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, entity.ErrInvalidVideoFormat)
}

func TestRunExtractionFailureKeepsFiles(t *testing.T) {
	f := newPipelineFixture(t, 4)
	f.extractor.err = errBoom
	job := f.create(t, entity.DefaultOptions())

	_, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, entity.ErrExtractionFailed)
	assert.ErrorIs(t, err, errBoom)

	st, err := f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateFailed, st.State)
	assert.Equal(t, "extraction_failed: boom", st.Error)
	assert.DirExists(t, job.WorkDir)
}

func TestRunAssemblyFailure(t *testing.T) {
	f := newPipelineFixture(t, 2)
	f.assembler.err = errBoom
	job := f.create(t, entity.DefaultOptions())

	_, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, entity.ErrAssemblyFailed)

	st, err := f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateFailed, st.State)
	assert.Equal(t, 2, st.Processed, "progress survives the failure")
}

// seedPartialRun leaves job as a failed run would: every frame extracted,
// the frames at the done indices enhanced, progress recorded.
func (f *pipelineFixture) seedPartialRun(t *testing.T, job *entity.Job, total int, done ...int) {
	t.Helper()
	f.extractor.count = total
	_, err := f.extractor.ExtractFrames(context.Background(), f.input, job.FramesDir, 30)
	require.NoError(t, err)
	for _, idx := range done {
		name := fmt.Sprintf("frame_%06d.png", idx+1)
		require.NoError(t, copyFile(filepath.Join(job.FramesDir, name), filepath.Join(job.EnhancedDir, name)))
	}
	require.NoError(t, f.jobs.UpdateState(job.ID, entity.JobStateExtracting))
	require.NoError(t, f.jobs.UpdateState(job.ID, entity.JobStateProcessing))
	require.NoError(t, f.jobs.UpdateProgress(job.ID, len(done), total))
	require.NoError(t, f.jobs.Fail(job.ID, errBoom))
}

func TestRunResumesPartialProcessing(t *testing.T) {
	f := newPipelineFixture(t, 4)
	job := f.create(t, entity.DefaultOptions())
	f.seedPartialRun(t, job, 4, 0, 1)

	resumed := f.create(t, entity.DefaultOptions())
	assert.Equal(t, entity.JobStateFailed, resumed.State)

	f.progress.reset()
	_, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, f.extractor.calls, "extraction skipped on resume")
	assert.Equal(t, []int{2, 3}, f.enhancer.batched)
	require.NotEmpty(t, f.smoother.calls)
	assert.Equal(t, smoothCall{"frame_000003.png", "frame_000002.png"}, f.smoother.calls[0],
		"first remaining frame is smoothed against its enhanced predecessor")

	counts := f.progress.recorded()
	requireMonotonic(t, counts, 4)
	assert.GreaterOrEqual(t, counts[0], 2, "resume starts from the frames already enhanced")

	st, err := f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateCompleted, st.State)
	assert.Equal(t, 4, st.Processed)
	assert.Equal(t, 4, st.Total)
	assert.Empty(t, st.Error)
}

func TestRunResumeWithGapSmoothsAgainstImmediatePredecessor(t *testing.T) {
	f := newPipelineFixture(t, 6)
	job := f.create(t, entity.DefaultOptions())
	f.seedPartialRun(t, job, 6, 0, 1, 3)
	f.create(t, entity.DefaultOptions())

	_, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 4, 5}, f.enhancer.batched)
	assert.Equal(t, 2, f.enhancer.batchCalls, "one batch per contiguous pending run")
	assert.Equal(t, []smoothCall{
		{"frame_000003.png", "frame_000002.png"},
		{"frame_000005.png", "frame_000004.png"},
		{"frame_000006.png", "frame_000005.png"},
	}, f.smoother.calls)

	st, err := f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateCompleted, st.State)
	assert.Equal(t, 6, st.Processed)
}

func TestRunProgressNeverDecreasesAcrossBatchFallback(t *testing.T) {
	f := newPipelineFixture(t, 10)
	opts := entity.DefaultOptions()
	opts.BatchSize = 4
	job := f.create(t, opts)
	f.enhancer.batchFailAt = 5

	_, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, f.enhancer.single, 5, "failed batch falls back to single frames")

	requireMonotonic(t, f.progress.recorded(), 10)

	st, err := f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateCompleted, st.State)
	assert.Equal(t, 10, st.Processed)
	assert.Equal(t, 10, st.Total)
}

func TestRunRefusesSecondRunOfSameJob(t *testing.T) {
	f := newPipelineFixture(t, 4)
	job := f.create(t, entity.DefaultOptions())

	entered := make(chan struct{})
	proceed := make(chan struct{})
	f.enhancer.onBatch = func() {
		close(entered)
		<-proceed
	}
	p := f.pipeline(nil, nil)

	first := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), job.ID)
		first <- err
	}()
	<-entered

	_, err := p.Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, entity.ErrJobBusy)

	st, err := f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateProcessing, st.State, "refused run leaves the running job alone")

	close(proceed)
	require.NoError(t, <-first)

	assert.Equal(t, 1, f.extractor.calls)
	assert.Equal(t, 1, f.enhancer.batchCalls)
	assert.Equal(t, []int{0, 1, 2, 3}, f.enhancer.batched)
	st, err = f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateCompleted, st.State)

	claimed, err := f.jobs.Claim(job.ID)
	require.NoError(t, err, "the claim is released with the first run")
	f.jobs.Release(claimed.ID)
}

func TestRunWithoutResumeReextracts(t *testing.T) {
	f := newPipelineFixture(t, 3)
	job := f.create(t, entity.DefaultOptions())
	_, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	require.NoError(t, err)

	opts := entity.DefaultOptions()
	opts.Resume = false
	again := f.create(t, opts)
	assert.Equal(t, entity.JobStatePending, again.State)

	_, err = f.pipeline(nil, nil).Run(context.Background(), again.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.extractor.calls)
	assert.Equal(t, 2, f.enhancer.batchCalls)
}

func TestRunCleanRemovesWorkingFiles(t *testing.T) {
	f := newPipelineFixture(t, 2)
	opts := entity.DefaultOptions()
	opts.Clean = true
	job := f.create(t, opts)

	_, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NoDirExists(t, job.WorkDir)
	assert.FileExists(t, f.output)

	_, err = f.jobs.Get(job.ID)
	assert.ErrorIs(t, err, entity.ErrJobNotFound)
}

func TestRunContextCancelMarksJobCancelled(t *testing.T) {
	f := newPipelineFixture(t, 4)
	opts := entity.DefaultOptions()
	opts.BatchSize = 1
	job := f.create(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.enhancer.cancel = cancel
	f.enhancer.cancelAfter = 1

	_, err := f.pipeline(nil, nil).Run(ctx, job.ID)
	assert.ErrorIs(t, err, entity.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	st, err := f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateCancelled, st.State)
	assert.Equal(t, 1, st.Processed)
	assert.Zero(t, f.assembler.calls)
}

func TestRunRearmsCancelledJob(t *testing.T) {
	f := newPipelineFixture(t, 2)
	job := f.create(t, entity.DefaultOptions())
	require.NoError(t, f.jobs.Cancel(job.ID))

	_, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	require.NoError(t, err)

	st, err := f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateCompleted, st.State)
}

func TestRunStopsOnExternalCancel(t *testing.T) {
	f := newPipelineFixture(t, 4)
	opts := entity.DefaultOptions()
	opts.BatchSize = 1
	job := f.create(t, opts)

	f.enhancer.cancel = func() { _ = f.jobs.Cancel(job.ID) }
	f.enhancer.cancelAfter = 2

	_, err := f.pipeline(nil, nil).Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, entity.ErrCancelled)
	assert.Equal(t, []int{0, 1}, f.enhancer.batched)

	st, err := f.jobs.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateCancelled, st.State)
}

func TestParseObjectURI(t *testing.T) {
	bucket, key, ok := ParseObjectURI("s3://videos/raw/clip.mp4")
	assert.True(t, ok)
	assert.Equal(t, "videos", bucket)
	assert.Equal(t, "raw/clip.mp4", key)

	for _, p := range []string{"/tmp/clip.mp4", "s3://videos", "s3:///clip.mp4", "s3://videos/"} {
		_, _, ok := ParseObjectURI(p)
		assert.False(t, ok, p)
	}
}

func TestListFramesOrdersAndFilters(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_000002.png", "frame_000001.PNG", ".tmp-frame_000003.png", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	names, err := listFrames(dir, ".png")
	require.NoError(t, err)
	assert.Equal(t, []string{"frame_000001.PNG", "frame_000002.png"}, names)

	names, err = listFrames(filepath.Join(dir, "missing"), ".png")
	require.NoError(t, err)
	assert.Empty(t, names)
}
