package server

import (
	"net/http"

	"github.com/onnwee/chatlens/backend/pipeline"
)

// HandleAdminJobs lists the running polling jobs.
func (h *Handlers) HandleAdminJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.deps.Scheduler.Jobs()
	if jobs == nil {
		jobs = []pipeline.JobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(jobs), "jobs": jobs})
}
