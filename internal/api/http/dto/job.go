package dto

import "github.com/EternisAI/silo-monitor/internal/scheduler"

type ListJobsResponse struct {
	Jobs  []scheduler.Job `json:"jobs"`
	Count int             `json:"count"`
}

type ExecutionsResponse struct {
	JobID      string                `json:"job_id"`
	Executions []scheduler.Execution `json:"executions"`
	Count      int                   `json:"count"`
}

type CancelResponse struct {
	JobID     string `json:"job_id"`
	Cancelled int    `json:"cancelled"`
}
