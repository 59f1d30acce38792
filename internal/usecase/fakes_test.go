package usecase

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/patrob/video-upscaler/internal/domain/entity"
	"github.com/patrob/video-upscaler/internal/domain/port"
	"github.com/patrob/video-upscaler/internal/infra/filestore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

type fakeProber struct {
	err error
}

func (p *fakeProber) ProbeVideo(context.Context, string) error { return p.err }

// fakeExtractor writes count small PNG frames named like the real extractor.
type fakeExtractor struct {
	count int
	err   error
	calls int
}

func (e *fakeExtractor) ExtractFrames(_ context.Context, _ string, outputDir string, _ float64) (*port.FrameExtractionResult, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	for i := 1; i <= e.count; i++ {
		img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
		for p := 0; p < len(img.Pix); p += 4 {
			copy(img.Pix[p:p+4], []uint8{uint8(i * 20), 80, 160, 255})
		}
		if err := imaging.Save(img, filepath.Join(outputDir, fmt.Sprintf("frame_%06d.png", i))); err != nil {
			return nil, err
		}
	}
	return &port.FrameExtractionResult{FrameCount: e.count, VideoDuration: float64(e.count) / 30}, nil
}

type fakeAssembler struct {
	err    error
	frames int
	calls  int
}

func (a *fakeAssembler) AssembleVideo(_ context.Context, framesDir, outputPath string, _ float64) (string, error) {
	a.calls++
	if a.err != nil {
		return "", a.err
	}
	names, err := listFrames(framesDir, ".png")
	if err != nil {
		return "", err
	}
	a.frames = len(names)
	if err := os.WriteFile(outputPath, []byte("video"), 0o644); err != nil {
		return "", err
	}
	return outputPath, nil
}

// fakeEnhancer copies the source frame to its destination. failures holds
// how many more times a given frame index fails; batchFailAt makes
// EnhanceBatch stop before that index. onBatch runs unlocked at the start of
// every EnhanceBatch call.
type fakeEnhancer struct {
	onBatch     func()
	mu          sync.Mutex
	failures    map[int]int
	batchFailAt int
	batchErr    error
	batchCalls  int
	single      []int
	batched     []int
	cancel      func()
	cancelAfter int
}

func newFakeEnhancer() *fakeEnhancer {
	return &fakeEnhancer{failures: map[int]int{}, batchFailAt: -1}
}

func (f *fakeEnhancer) Enhance(_ context.Context, in, out string, _ port.EnhanceParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := frameIndex(in)
	f.single = append(f.single, idx)
	if f.failures[idx] > 0 {
		f.failures[idx]--
		return "", fmt.Errorf("%w: frame %d", entity.ErrServiceUnreachable, idx)
	}
	return out, copyFile(in, out)
}

func (f *fakeEnhancer) EnhanceBatch(_ context.Context, frames []entity.FrameDescriptor, _ port.EnhanceParams) ([]string, error) {
	if f.onBatch != nil {
		f.onBatch()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	var outs []string
	for _, fd := range frames {
		if fd.Index == f.batchFailAt {
			return outs, fmt.Errorf("%w: batch stopped at %d", entity.ErrInvalidResponse, fd.Index)
		}
		if err := copyFile(fd.Source, fd.Destination); err != nil {
			return outs, err
		}
		f.batched = append(f.batched, fd.Index)
		outs = append(outs, fd.Destination)
		if f.cancel != nil && len(f.batched) == f.cancelAfter {
			f.cancel()
		}
	}
	return outs, nil
}

// frameIndex recovers the zero-based index from frame_%06d names.
func frameIndex(path string) int {
	base := filepath.Base(path)
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, "frame_"), filepath.Ext(base)))
	if err != nil {
		return -1
	}
	return n - 1
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

type smoothCall struct {
	current, previous string
}

type recordingSmoother struct {
	mu    sync.Mutex
	calls []smoothCall
	err   error
}

func (s *recordingSmoother) Smooth(_ context.Context, current, previous string, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, smoothCall{current: filepath.Base(current), previous: filepath.Base(previous)})
	return s.err
}

func newTestManager(t *testing.T) (*JobManager, *filestore.JobRepository, string) {
	t.Helper()
	root := t.TempDir()
	repo, err := filestore.NewJobRepository(filepath.Join(root, "jobs"), zap.NewNop())
	require.NoError(t, err)
	m, err := NewJobManager(repo, filepath.Join(root, "work"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, repo, root
}

// progressRecorder stores jobs like the file repository and remembers the
// processed-frame count of every write.
type progressRecorder struct {
	*filestore.JobRepository
	mu     sync.Mutex
	counts []int
}

func (r *progressRecorder) Save(job *entity.Job) error {
	r.mu.Lock()
	r.counts = append(r.counts, job.ProcessedFrames)
	r.mu.Unlock()
	return r.JobRepository.Save(job)
}

func (r *progressRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = nil
}

func (r *progressRecorder) recorded() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.counts...)
}

func newRecordingManager(t *testing.T) (*JobManager, *progressRecorder, string) {
	t.Helper()
	root := t.TempDir()
	repo, err := filestore.NewJobRepository(filepath.Join(root, "jobs"), zap.NewNop())
	require.NoError(t, err)
	rec := &progressRecorder{JobRepository: repo}
	m, err := NewJobManager(rec, filepath.Join(root, "work"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, rec, root
}

// requireMonotonic fails unless counts never decrease and end at last.
func requireMonotonic(t *testing.T, counts []int, last int) {
	t.Helper()
	require.NotEmpty(t, counts)
	for i := 1; i < len(counts); i++ {
		require.GreaterOrEqual(t, counts[i], counts[i-1], "progress went from %d to %d in %v", counts[i-1], counts[i], counts)
	}
	require.Equal(t, last, counts[len(counts)-1])
}

// writeFrames creates count source frames under dir and returns their descriptors.
func writeFrames(t *testing.T, dir string, count int) []entity.FrameDescriptor {
	t.Helper()
	ex := &fakeExtractor{count: count}
	_, err := ex.ExtractFrames(context.Background(), "", filepath.Join(dir, "frames"), 30)
	require.NoError(t, err)

	frames := make([]entity.FrameDescriptor, count)
	for i := range frames {
		name := fmt.Sprintf("frame_%06d.png", i+1)
		frames[i] = entity.FrameDescriptor{
			Source:      filepath.Join(dir, "frames", name),
			Destination: filepath.Join(dir, "enhanced", name),
			Index:       i,
		}
	}
	return frames
}
