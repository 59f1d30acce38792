package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/patrob/video-upscaler/internal/domain/entity"
	"go.uber.org/zap"
)

const recordExt = ".json"

var errMalformedID = errors.New("malformed job id")

// JobRepository keeps one JSON record per job in dir, named <id>.json.
type JobRepository struct {
	dir    string
	logger *zap.Logger
}

func NewJobRepository(dir string, logger *zap.Logger) (*JobRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job record dir %s: %w", dir, err)
	}
	return &JobRepository{dir: dir, logger: logger}, nil
}

// path maps id to its record file. Anything but a canonical job id is
// refused so a caller-supplied id cannot name a file outside dir.
func (r *JobRepository) path(id string) (string, error) {
	if !entity.ValidJobID(id) {
		return "", fmt.Errorf("%w %q", errMalformedID, id)
	}
	return filepath.Join(r.dir, id+recordExt), nil
}

func (r *JobRepository) Save(job *entity.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	data = append(data, '\n')
	path, err := r.path(job.ID)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func (r *JobRepository) Load(id string) (*entity.Job, error) {
	path, err := r.path(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", entity.ErrJobNotFound, err)
	}
	job, err := readRecord(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", entity.ErrJobNotFound, id)
	}
	return job, err
}

// LoadAll reads every record in the directory. Records that fail to parse or
// carry an unknown state are skipped with a warning.
func (r *JobRepository) LoadAll() ([]*entity.Job, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read job record dir %s: %w", r.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	jobs := make([]*entity.Job, 0, len(names))
	for _, name := range names {
		job, err := readRecord(filepath.Join(r.dir, name))
		if err != nil {
			r.logger.Warn("skipping unreadable job record", zap.String("file", name), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *JobRepository) Delete(id string) error {
	path, err := r.path(id)
	if err != nil {
		// no record can exist under a malformed id
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete job record %s: %w", id, err)
	}
	return nil
}

func readRecord(path string) (*entity.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	job := &entity.Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("parse job record %s: %w", path, err)
	}
	if !entity.ValidJobID(job.ID) {
		return nil, fmt.Errorf("job record %s: %w %q", path, errMalformedID, job.ID)
	}
	if _, err := entity.ParseJobState(string(job.State)); err != nil {
		return nil, fmt.Errorf("job record %s: %w", path, err)
	}
	return job, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".job-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
