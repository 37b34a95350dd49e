package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/loykin/fleetdispatch/internal/auth"
	"github.com/loykin/fleetdispatch/internal/job"
	"github.com/loykin/fleetdispatch/internal/store"
)

const maxListLimit = 1000

type flowReq struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

func (r *Router) handleCreateFlow(c *gin.Context) {
	var req flowReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(c, "name is required")
		return
	}
	if len(req.Definition) > 0 && !json.Valid(req.Definition) {
		badRequest(c, "definition must be valid json")
		return
	}
	f, err := r.deps.Store.CreateFlow(c.Request.Context(), job.Flow{Name: req.Name, Definition: req.Definition})
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, f)
}

func (r *Router) handleGetFlow(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	f, err := r.deps.Store.GetFlow(c.Request.Context(), id)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, f)
}

func (r *Router) handleCreateJob(c *gin.Context) {
	var req job.NewJob
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	if req.Priority == 0 {
		req.Priority = r.deps.DefaultPriority
	}
	j, err := r.deps.Jobs.Create(c.Request.Context(), req)
	if errors.Is(err, store.ErrNotFound) {
		// an unknown flow is a bad reference, not a missing resource
		badRequest(c, err.Error())
		return
	}
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, j)
}

func (r *Router) handleListJobs(c *gin.Context) {
	var f store.JobFilter
	if s := c.Query("status"); s != "" {
		st, err := job.ParseStatus(s)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		f.Status = st
	}
	f.DeviceID = c.Query("device_id")
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > maxListLimit {
			badRequest(c, fmt.Sprintf("limit must be between 0 and %d", maxListLimit))
			return
		}
		f.Limit = n
	}
	jobs, err := r.deps.Store.ListJobs(c.Request.Context(), f)
	if err != nil {
		r.writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	writeJSON(c, http.StatusOK, jobs)
}

func (r *Router) handleGetJob(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	j, err := r.deps.Store.GetJob(c.Request.Context(), id)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, j)
}

func (r *Router) handleCancelJob(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	j, err := r.deps.Jobs.Cancel(c.Request.Context(), id)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, j)
}

type statusReq struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (r *Router) handleReportStatus(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	st, err := job.ParseStatus(req.Status)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	deviceID, _ := auth.DeviceID(c)
	j, err := r.deps.Jobs.Report(c.Request.Context(), deviceID, id, st, req.Error)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, j)
}
