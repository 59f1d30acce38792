package port

import "context"

// StatusPublisher emits a JSON-encoded entity.JobStatusMessage.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg []byte) error
}

// DLQPublisher parks enhancement requests that can never be processed.
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, msg []byte, reason string) error
}
