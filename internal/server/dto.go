package server

import (
	"encoding/json"

	"jobline/internal/domain"
)

// Request payloads

type SubmitJobRequest struct {
	JobType      string         `json:"job_type"`
	RoutingHints map[string]any `json:"routing_hints,omitempty"`
	OutputSpec   map[string]any `json:"output_spec,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	User         string         `json:"user,omitempty"`
}

func (r SubmitJobRequest) toJob() domain.Job {
	return domain.Job{
		JobType:      r.JobType,
		RoutingHints: r.RoutingHints,
		OutputSpec:   r.OutputSpec,
		Payload:      r.Payload,
		User:         r.User,
	}
}

// Response payloads

type SubmitJobResponse struct {
	RunID    string         `json:"run_id"`
	Status   string         `json:"status"`
	WorkerID string         `json:"worker_id,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
}

type RunResponse struct {
	ID        string         `json:"id"`
	JobType   string         `json:"job_type"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Status    string         `json:"status"`
	User      string         `json:"user"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	Events    []domain.Event `json:"events,omitempty"`
}

func runResponse(run domain.Run, evts []domain.Event) RunResponse {
	res := RunResponse{
		ID:        run.ID,
		JobType:   run.JobType,
		WorkerID:  run.WorkerID,
		Status:    run.Status,
		User:      run.User,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
		Events:    evts,
	}
	if run.ResultJSON != nil {
		res.Result = decodeJSONMap(*run.ResultJSON)
	}
	if run.Error != nil {
		res.Error = *run.Error
	}
	return res
}

type QueueEntryResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	EnqueuedAt string         `json:"enqueued_at"`
	Attempts   int            `json:"attempts"`
	Status     string         `json:"status"`
	LastError  string         `json:"last_error,omitempty"`
	UpdatedAt  string         `json:"updated_at"`
}

func queueEntryResponse(e domain.QueueEntry) QueueEntryResponse {
	res := QueueEntryResponse{
		ID:         e.ID,
		Type:       e.Type,
		Payload:    decodeJSONMap(e.PayloadJSON),
		EnqueuedAt: e.EnqueuedAt,
		Attempts:   e.Attempts,
		Status:     e.Status,
		UpdatedAt:  e.UpdatedAt,
	}
	if e.LastError != nil {
		res.LastError = *e.LastError
	}
	return res
}

type DrainResponse struct {
	Claimed int `json:"claimed"`
	Done    int `json:"done"`
	Retried int `json:"retried"`
	Dead    int `json:"dead"`
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	return tmp
}
