package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-monitor/internal/api/http/dto"
	"github.com/EternisAI/silo-monitor/internal/scheduler"
	"github.com/gin-gonic/gin"
)

type JobsHandler struct {
	scheduler *scheduler.Scheduler
}

func NewJobsHandler(s *scheduler.Scheduler) *JobsHandler {
	return &JobsHandler{scheduler: s}
}

func jobError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, scheduler.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "job is not running"})
	case errors.Is(err, scheduler.ErrUnknownTask):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		slog.Error("Job request failed", "error", err, "action", action, "job_id", c.Param("id"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + action})
	}
}

// GET /jobs
func (h *JobsHandler) List(c *gin.Context) {
	jobs := h.scheduler.ListJobs()
	c.JSON(http.StatusOK, dto.ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// GET /jobs/:id
func (h *JobsHandler) Get(c *gin.Context) {
	job, ok := h.scheduler.GetJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// Executions returns recent runs of a job, newest first.
// GET /jobs/:id/executions
func (h *JobsHandler) Executions(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	id := c.Param("id")
	execs, err := h.scheduler.Executions(id, limit)
	if err != nil {
		jobError(c, err, "list executions")
		return
	}
	if execs == nil {
		execs = []scheduler.Execution{}
	}
	c.JSON(http.StatusOK, dto.ExecutionsResponse{JobID: id, Executions: execs, Count: len(execs)})
}

// Run triggers the job now. A run refused because the job is already
// running is reported as 409 with the skipped execution.
// POST /jobs/:id/run
func (h *JobsHandler) Run(c *gin.Context) {
	exec, err := h.scheduler.RunNow(c.Param("id"))
	if err != nil {
		jobError(c, err, "run job")
		return
	}

	if exec.Status == scheduler.StatusSkipped {
		c.JSON(http.StatusConflict, exec)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// POST /jobs/:id/cancel
func (h *JobsHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	n, err := h.scheduler.Cancel(id)
	if err != nil {
		jobError(c, err, "cancel job")
		return
	}

	slog.Info("Job cancelled by operator", "job_id", id, "executions", n, "by", c.GetString("subject"))
	c.JSON(http.StatusOK, dto.CancelResponse{JobID: id, Cancelled: n})
}
