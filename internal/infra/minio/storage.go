package minio

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage moves input and output videos between object storage and the
// job's working directory.
type Storage struct {
	client *miniogo.Client
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Storage{client: client}, nil
}

func (s *Storage) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// DownloadInput fetches the object into destPath through a temp file so a
// partial download is never mistaken for a cached input.
func (s *Storage) DownloadInput(ctx context.Context, bucket, objectKey, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	tmp := destPath + ".part"
	if err := s.client.FGetObject(ctx, bucket, objectKey, tmp, miniogo.GetObjectOptions{}); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("download s3://%s/%s: %w", bucket, objectKey, err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move download into place: %w", err)
	}
	return nil
}

// UploadOutput stores srcPath under bucket/objectKey, creating the bucket on
// first use.
func (s *Storage) UploadOutput(ctx context.Context, bucket, objectKey, srcPath string) error {
	if err := s.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	contentType := mime.TypeByExtension(filepath.Ext(objectKey))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.FPutObject(ctx, bucket, objectKey, srcPath, miniogo.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", bucket, objectKey, err)
	}
	return nil
}
