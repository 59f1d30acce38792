package port

import "context"

// ArtifactStorage moves input and output videos to and from object storage.
type ArtifactStorage interface {
	DownloadInput(ctx context.Context, bucket, objectKey, destPath string) error
	UploadOutput(ctx context.Context, bucket, objectKey, srcPath string) error
}
