package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/fleetdispatch/internal/auth"
	"github.com/loykin/fleetdispatch/internal/device"
)

type registerReq struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Model     string `json:"model,omitempty"`
	OSVersion string `json:"os_version,omitempty"`
}

// deviceView adds the live connection state to the stored record. Stale
// devices will be demoted by the next reconciliation.
type deviceView struct {
	device.Device
	State string `json:"state"`
	Live  bool   `json:"live"`
	Stale bool   `json:"stale"`
}

type registerResp struct {
	Device deviceView `json:"device"`
	// Secret is only returned when a device is first registered with auth enabled.
	Secret string `json:"secret,omitempty"`
}

func (r *Router) view(d device.Device) deviceView {
	v := deviceView{Device: d, State: d.State()}
	if r.deps.Hub != nil {
		v.Live = r.deps.Hub.IsConnected(d.ID)
	}
	if r.deps.Tasks != nil {
		v.Stale = d.Stale(time.Now().UTC(), r.deps.Tasks.OfflineTimeout())
	}
	return v
}

func (r *Router) handleRegisterDevice(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	if err := device.ValidateID(req.ID); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	ctx := c.Request.Context()
	prev, err := r.deps.Store.GetDevice(ctx, req.ID)
	existed := err == nil
	err = r.deps.Store.UpsertDevice(ctx, device.Device{ID: req.ID, Name: req.Name, Model: req.Model, OSVersion: req.OSVersion})
	if err != nil {
		r.writeError(c, err)
		return
	}

	var resp registerResp
	if r.deps.Auth != nil && (!existed || prev.SecretHash == "") {
		if resp.Secret, err = r.deps.Auth.IssueSecret(ctx, req.ID); err != nil {
			r.writeError(c, err)
			return
		}
	}
	d, err := r.deps.Store.GetDevice(ctx, req.ID)
	if err != nil {
		r.writeError(c, err)
		return
	}
	resp.Device = r.view(d)
	code := http.StatusOK
	if !existed {
		code = http.StatusCreated
		r.log.Info("device registered", "device_id", d.ID)
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleListDevices(c *gin.Context) {
	devs, err := r.deps.Store.ListDevices(c.Request.Context())
	if err != nil {
		r.writeError(c, err)
		return
	}
	out := make([]deviceView, 0, len(devs))
	for _, d := range devs {
		out = append(out, r.view(d))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGetDevice(c *gin.Context) {
	d, err := r.deps.Store.GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.view(d))
}

func (r *Router) handleRotateSecret(c *gin.Context) {
	if r.deps.Auth == nil {
		badRequest(c, "device authentication is disabled")
		return
	}
	secret, err := r.deps.Auth.IssueSecret(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"device_id": c.Param("id"), "secret": secret})
}

func (r *Router) handleHeartbeat(c *gin.Context) {
	id, _ := auth.DeviceID(c)
	ctx := c.Request.Context()
	if _, err := r.deps.Store.GetDevice(ctx, id); err != nil {
		r.writeError(c, err)
		return
	}
	if err := r.deps.Presence.Seen(ctx, id); err != nil {
		r.log.Warn("heartbeat not recorded", "device_id", id, "error", err)
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDeviceToken(c *gin.Context) {
	if r.deps.Auth == nil {
		badRequest(c, "device authentication is disabled")
		return
	}
	var req auth.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	tok, err := r.deps.Auth.Authenticate(c.Request.Context(), req)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tok)
}

func (r *Router) handleOperatorToken(c *gin.Context) {
	if r.deps.Auth == nil {
		badRequest(c, "authentication is disabled")
		return
	}
	var req auth.OperatorTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	tok, err := r.deps.Auth.OperatorToken(req)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		r.log.Warn("operator token refused", "remote", c.ClientIP())
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tok)
}

func (r *Router) handleDeviceSocket(c *gin.Context) {
	id, _ := auth.DeviceID(c)
	if _, err := r.deps.Store.GetDevice(c.Request.Context(), id); err != nil {
		r.writeError(c, err)
		return
	}
	r.deps.Hub.ServeDevice(c.Writer, c.Request, id)
}

func (r *Router) handleObserverSocket(c *gin.Context) {
	r.deps.Hub.ServeObserver(c.Writer, c.Request)
}
