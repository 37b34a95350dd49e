package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/fleetdispatch/internal/reconciler"
	"github.com/loykin/fleetdispatch/internal/scheduler"
)

func (r *Router) handleReconcile(c *gin.Context) {
	var timeout time.Duration
	if s := c.Query("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			badRequest(c, "timeout must be a positive duration")
			return
		}
		timeout = d
	}
	rep, err := r.deps.Tasks.Reconcile(c.Request.Context(), timeout)
	if errors.Is(err, reconciler.ErrRunInProgress) {
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleDispatch(c *gin.Context) {
	var dryRun *bool
	if s := c.Query("dry_run"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			badRequest(c, "dry_run must be a boolean")
			return
		}
		dryRun = &v
	}
	sum, err := r.deps.Tasks.Dispatch(c.Request.Context(), dryRun)
	if errors.Is(err, scheduler.ErrTickInProgress) {
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sum)
}

func (r *Router) handleLastReconcile(c *gin.Context) {
	rep, ok := r.deps.Tasks.LastReconcile()
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no reconciliation has run yet"})
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleLastDispatch(c *gin.Context) {
	sum, ok := r.deps.Tasks.LastDispatch()
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no scheduler run has completed yet"})
		return
	}
	writeJSON(c, http.StatusOK, sum)
}

type statusResp struct {
	Connected []string             `json:"connected"`
	NextRuns  map[string]time.Time `json:"next_runs"`
}

func (r *Router) handleStatus(c *gin.Context) {
	out := statusResp{Connected: []string{}, NextRuns: r.deps.Tasks.NextRuns()}
	if r.deps.Hub != nil {
		out.Connected = r.deps.Hub.Connected()
	}
	if out.NextRuns == nil {
		out.NextRuns = map[string]time.Time{}
	}
	writeJSON(c, http.StatusOK, out)
}
