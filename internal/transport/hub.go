// Package transport keeps the live websocket connections of device agents
// and observers. Devices receive dispatched jobs and report execution
// status; observers receive status change events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loykin/fleetdispatch/internal/dispatch"
	"github.com/loykin/fleetdispatch/internal/history"
	"github.com/loykin/fleetdispatch/internal/job"
	"github.com/loykin/fleetdispatch/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	sendBufferSize = 64

	handlerTimeout = 5 * time.Second
)

// Message types exchanged with agents and observers.
const (
	TypeHeartbeat      = "heartbeat"
	TypeJobStatus      = "job.status"
	TypeStatusRejected = "job.status.rejected"
	TypeStatusEvent    = "status.event"
)

var ErrSendBufferFull = errors.New("send buffer full")

// StatusReport is an execution result sent by a device agent.
type StatusReport struct {
	JobID  int64
	Status job.Status
	Error  string
}

// Handler reacts to device activity. Seen is called on connect, on every
// inbound message and on every pong.
type Handler interface {
	Seen(ctx context.Context, deviceID string) error
	Report(ctx context.Context, deviceID string, r StatusReport) error
}

type inbound struct {
	Type   string `json:"type"`
	JobID  int64  `json:"job_id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type rejection struct {
	Type  string `json:"type"`
	JobID int64  `json:"job_id"`
	Error string `json:"error"`
}

type eventMessage struct {
	Type  string        `json:"type"`
	Event history.Event `json:"event"`
}

type client struct {
	conn     *websocket.Conn
	deviceID string // empty for observers
	send     chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

// trySend queues data without blocking. A client closed concurrently
// makes the send panic, which is recovered as a failed send.
func (c *client) trySend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// Hub tracks one connection per device plus any number of observers.
type Hub struct {
	handler  Handler
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	devices   map[string]*client
	observers map[*client]struct{}
}

var _ dispatch.Transport = (*Hub)(nil)

// NewHub returns a hub that reports device activity to handler, which may be nil.
func NewHub(handler Handler, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		handler: handler,
		log:     log.With("component", "hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		devices:   make(map[string]*client),
		observers: make(map[*client]struct{}),
	}
}

func (h *Hub) IsConnected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.devices[deviceID]
	return ok
}

// Connected returns the ids of devices with a live connection.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.devices))
	for id := range h.devices {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Send queues p on the device's connection.
func (h *Hub) Send(ctx context.Context, deviceID string, p dispatch.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	h.mu.RLock()
	c, ok := h.devices[deviceID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", dispatch.ErrNotConnected, deviceID)
	}
	if !c.trySend(data) {
		return fmt.Errorf("device %s: %w", deviceID, ErrSendBufferFull)
	}
	return nil
}

// Broadcast sends e to every observer and returns an error when any of
// them did not accept it.
func (h *Hub) Broadcast(e history.Event) error {
	data, err := json.Marshal(eventMessage{Type: TypeStatusEvent, Event: e})
	if err != nil {
		return err
	}
	h.mu.RLock()
	targets := make([]*client, 0, len(h.observers))
	for c := range h.observers {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	failed := 0
	for _, c := range targets {
		if !c.trySend(data) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d observers did not accept event %s", failed, len(targets), e.ID)
	}
	return nil
}

type observerSink struct{ h *Hub }

func (s observerSink) Send(_ context.Context, e history.Event) error { return s.h.Broadcast(e) }

// ObserverSink adapts Broadcast to a history.Sink for the notifier.
func (h *Hub) ObserverSink() history.Sink { return observerSink{h: h} }

// ServeDevice upgrades r to a websocket for deviceID and blocks until the
// connection ends. A new connection for the same device replaces the old one.
func (h *Hub) ServeDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}
	c := &client{conn: conn, deviceID: deviceID, send: make(chan []byte, sendBufferSize)}

	h.mu.Lock()
	prev := h.devices[deviceID]
	h.devices[deviceID] = c
	n := len(h.devices)
	h.mu.Unlock()
	metrics.SetConnectedDevices(n)
	if prev != nil {
		prev.close()
		h.log.Info("device connection replaced", "device_id", deviceID)
	}
	h.log.Info("device connected", "device_id", deviceID)

	ctx := context.WithoutCancel(r.Context())
	h.seen(ctx, deviceID)
	go h.writePump(c)
	h.readPump(ctx, c)
}

// ServeObserver upgrades r to a websocket that receives status events.
func (h *Hub) ServeObserver(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	h.observers[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(context.WithoutCancel(r.Context()), c)
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*client, 0, len(h.devices)+len(h.observers))
	for _, c := range h.devices {
		all = append(all, c)
	}
	for c := range h.observers {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if c.deviceID == "" {
		delete(h.observers, c)
	} else if h.devices[c.deviceID] == c {
		delete(h.devices, c.deviceID)
	}
	n := len(h.devices)
	h.mu.Unlock()
	c.close()
	if c.deviceID != "" {
		metrics.SetConnectedDevices(n)
		h.log.Info("device disconnected", "device_id", c.deviceID)
	}
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.deviceID != "" {
			h.seen(ctx, c.deviceID)
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read failed", "device_id", c.deviceID, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.deviceID == "" {
			continue
		}
		h.seen(ctx, c.deviceID)
		h.handleDeviceMessage(ctx, c, data)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		h.dropQueued(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Warn("websocket write failed", "device_id", c.deviceID, "error", err)
				h.dropped(c, message)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dropQueued reports every message still buffered for c. It returns once
// the client is closed, which readPump does after the connection ends.
func (h *Hub) dropQueued(c *client) {
	for message := range c.send {
		h.dropped(c, message)
	}
}

// dropped logs a message that was accepted by Send but never written.
// A dropped dispatch leaves its job in dispatched.
func (h *Hub) dropped(c *client, message []byte) {
	if c.deviceID == "" {
		h.log.Debug("observer event dropped")
		return
	}
	var m struct {
		Type  string `json:"type"`
		JobID int64  `json:"job_id"`
	}
	_ = json.Unmarshal(message, &m)
	h.log.Warn("queued message dropped", "device_id", c.deviceID, "type", m.Type, "job_id", m.JobID)
	if m.Type == dispatch.PayloadType {
		metrics.IncDispatch("dropped")
	}
}

func (h *Hub) handleDeviceMessage(ctx context.Context, c *client, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Warn("malformed device message", "device_id", c.deviceID, "error", err)
		return
	}
	switch msg.Type {
	case TypeHeartbeat, "":
	case TypeJobStatus:
		if h.handler == nil {
			return
		}
		st, err := job.ParseStatus(msg.Status)
		if err == nil {
			hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
			err = h.handler.Report(hctx, c.deviceID, StatusReport{JobID: msg.JobID, Status: st, Error: msg.Error})
			cancel()
		}
		if err != nil {
			h.log.Warn("job status rejected", "device_id", c.deviceID, "job_id", msg.JobID, "error", err)
			if out, merr := json.Marshal(rejection{Type: TypeStatusRejected, JobID: msg.JobID, Error: err.Error()}); merr == nil {
				c.trySend(out)
			}
		}
	default:
		h.log.Debug("unknown device message", "device_id", c.deviceID, "type", msg.Type)
	}
}

func (h *Hub) seen(ctx context.Context, deviceID string) {
	if h.handler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	if err := h.handler.Seen(ctx, deviceID); err != nil {
		h.log.Warn("presence not recorded", "device_id", deviceID, "error", err)
	}
}
