// Package client is a Go client for the fleetdispatch daemon API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrInProgress is returned when a reconcile or dispatch run is already
// executing on the daemon.
var ErrInProgress = errors.New("run already in progress")

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// Client talks to a fleetdispatch daemon over HTTP.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
	// Token is sent as a bearer token on every request.
	Token    string
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// Health checks that the daemon and its store respond.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

func (c *Client) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (RegisterDeviceResponse, error) {
	var out RegisterDeviceResponse
	err := c.do(ctx, http.MethodPost, "/devices", nil, req, &out)
	return out, err
}

func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := c.do(ctx, http.MethodGet, "/devices", nil, nil, &out)
	return out, err
}

func (c *Client) GetDevice(ctx context.Context, id string) (Device, error) {
	var out Device
	err := c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// RotateSecret issues a new device secret. The old one stops working.
func (c *Client) RotateSecret(ctx context.Context, id string) (string, error) {
	var out struct {
		Secret string `json:"secret"`
	}
	err := c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(id)+"/secret", nil, nil, &out)
	return out.Secret, err
}

// DeviceToken exchanges a device secret for an access token.
func (c *Client) DeviceToken(ctx context.Context, deviceID, secret string) (Token, error) {
	var out Token
	in := map[string]string{"device_id": deviceID, "secret": secret}
	err := c.do(ctx, http.MethodPost, "/auth/device-token", nil, in, &out)
	return out, err
}

// OperatorToken exchanges the daemon's operator key for an operator token.
func (c *Client) OperatorToken(ctx context.Context, key string) (Token, error) {
	var out Token
	err := c.do(ctx, http.MethodPost, "/auth/operator-token", nil, map[string]string{"key": key}, &out)
	return out, err
}

// SetToken replaces the bearer token sent on later requests.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) Heartbeat(ctx context.Context, deviceID string) error {
	q := url.Values{"device_id": {deviceID}}
	return c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(deviceID)+"/heartbeat", q, nil, nil)
}

func (c *Client) CreateFlow(ctx context.Context, name string, definition json.RawMessage) (Flow, error) {
	var out Flow
	in := map[string]any{"name": name}
	if len(definition) > 0 {
		in["definition"] = definition
	}
	err := c.do(ctx, http.MethodPost, "/flows", nil, in, &out)
	return out, err
}

func (c *Client) GetFlow(ctx context.Context, id int64) (Flow, error) {
	var out Flow
	err := c.do(ctx, http.MethodGet, "/flows/"+strconv.FormatInt(id, 10), nil, nil, &out)
	return out, err
}

func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (Job, error) {
	var out Job
	err := c.do(ctx, http.MethodPost, "/jobs", nil, req, &out)
	return out, err
}

func (c *Client) ListJobs(ctx context.Context, q JobQuery) ([]Job, error) {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.DeviceID != "" {
		v.Set("device_id", q.DeviceID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var out []Job
	err := c.do(ctx, http.MethodGet, "/jobs", v, nil, &out)
	return out, err
}

func (c *Client) GetJob(ctx context.Context, id int64) (Job, error) {
	var out Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+strconv.FormatInt(id, 10), nil, nil, &out)
	return out, err
}

func (c *Client) CancelJob(ctx context.Context, id int64) (Job, error) {
	var out Job
	err := c.do(ctx, http.MethodPost, "/jobs/"+strconv.FormatInt(id, 10)+"/cancel", nil, nil, &out)
	return out, err
}

// ReportStatus sends an execution result for a job on behalf of deviceID.
func (c *Client) ReportStatus(ctx context.Context, deviceID string, jobID int64, status, errMsg string) (Job, error) {
	var out Job
	in := map[string]string{"status": status}
	if errMsg != "" {
		in["error"] = errMsg
	}
	q := url.Values{"device_id": {deviceID}}
	err := c.do(ctx, http.MethodPost, "/jobs/"+strconv.FormatInt(jobID, 10)+"/status", q, in, &out)
	return out, err
}

// Reconcile runs presence reconciliation now. A zero timeout uses the
// daemon's configured offline timeout.
func (c *Client) Reconcile(ctx context.Context, timeout time.Duration) (ReconcileReport, error) {
	v := url.Values{}
	if timeout > 0 {
		v.Set("timeout", timeout.String())
	}
	var out ReconcileReport
	err := runErr(c.do(ctx, http.MethodPost, "/reconcile", v, nil, &out))
	return out, err
}

// Dispatch runs the job scheduler now. A nil dryRun uses the daemon's mode.
func (c *Client) Dispatch(ctx context.Context, dryRun *bool) (DispatchSummary, error) {
	v := url.Values{}
	if dryRun != nil {
		v.Set("dry_run", strconv.FormatBool(*dryRun))
	}
	var out DispatchSummary
	err := runErr(c.do(ctx, http.MethodPost, "/dispatch", v, nil, &out))
	return out, err
}

func (c *Client) LastReconcile(ctx context.Context) (ReconcileReport, error) {
	var out ReconcileReport
	err := c.do(ctx, http.MethodGet, "/reconciler/last", nil, nil, &out)
	return out, err
}

func (c *Client) LastDispatch(ctx context.Context) (DispatchSummary, error) {
	var out DispatchSummary
	err := c.do(ctx, http.MethodGet, "/scheduler/last", nil, nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &out)
	return out, err
}

func runErr(err error) error {
	var ae *APIError
	if errors.As(err, &ae) && ae.Status == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrInProgress, ae.Message)
	}
	return err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	tlsConfig.InsecureSkipVerify = config.TLS.SkipVerify
	tlsConfig.ServerName = config.TLS.ServerName
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

// do performs a request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: er.Error}
}
