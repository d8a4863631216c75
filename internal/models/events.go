package models

// RunStatusData is the payload published on every job state transition,
// shaped for the UI status stream: the job id travels as run_id. Events for
// the same run are delivered in transition order; no ordering is guaranteed
// across different runs.
type RunStatusData struct {
	RunID         string `json:"run_id"`
	PaperID       string `json:"paper_id"`
	BatchID       string `json:"batch_id,omitempty"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// RunStatusFromJob snapshots a job's current state into a stream payload.
func RunStatusFromJob(job *Job) RunStatusData {
	return RunStatusData{
		RunID:         job.ID,
		PaperID:       job.PaperID,
		BatchID:       job.BatchID,
		Status:        string(job.State),
		FailureReason: job.FailureReason,
	}
}

// BatchStatusData announces batch-level milestones (currently completion).
type BatchStatusData struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}
