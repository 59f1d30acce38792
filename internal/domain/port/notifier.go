package port

import "context"

type FailureNotifier interface {
	NotifyFailure(ctx context.Context, email string, jobID string, input string, errorMsg string) error
}
