package entity

import (
	"errors"
	"fmt"
)

var (
	ErrInputNotFound      = errors.New("input_not_found")
	ErrInvalidVideoFormat = errors.New("invalid_video_format")
	ErrExtractionFailed   = errors.New("extraction_failed")
	ErrNoFramesFound      = errors.New("no_frames_found")
	ErrProcessingFailed   = errors.New("processing_failed")
	ErrAssemblyFailed     = errors.New("assembly_failed")
	ErrScriptNotFound     = errors.New("script_not_found")
	ErrServiceUnreachable = errors.New("service_unreachable")
	ErrInvalidResponse    = errors.New("invalid_response")

	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrCancelled         = errors.New("job cancelled")
	ErrJobBusy           = errors.New("job already running")
	ErrInvalidOptions    = errors.New("invalid options")
)

// Wrap tags cause with a taxonomy error so errors.Is matches both.
func Wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}
