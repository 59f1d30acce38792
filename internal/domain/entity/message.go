package entity

// EnhanceRequestMessage is the inbound message from the enhancement request queue.
type EnhanceRequestMessage struct {
	Input       string   `json:"input"`
	Output      string   `json:"output"`
	Options     *Options `json:"options,omitempty"`
	NotifyEmail string   `json:"notify_email,omitempty"`
}

// JobStatusMessage is the outbound message published to the status queue.
type JobStatusMessage struct {
	JobID     string   `json:"job_id"`
	Input     string   `json:"input"`
	Output    string   `json:"output"`
	State     JobState `json:"state"`
	Progress  int      `json:"progress"`
	Processed int      `json:"processed_frames"`
	Total     int      `json:"total_frames"`
	Error     string   `json:"error,omitempty"`
}

func NewJobStatusMessage(j *Job) JobStatusMessage {
	return JobStatusMessage{
		JobID:     j.ID,
		Input:     j.Input,
		Output:    j.Output,
		State:     j.State,
		Progress:  j.ProgressPercent(),
		Processed: j.ProcessedFrames,
		Total:     j.TotalFrames,
		Error:     j.LastError,
	}
}
