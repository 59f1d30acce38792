package port

import (
	"github.com/patrob/video-upscaler/internal/domain/entity"
)

type JobRepository interface {
	Save(job *entity.Job) error
	Load(id string) (*entity.Job, error)
	LoadAll() ([]*entity.Job, error)
	Delete(id string) error
}
