package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"query-orchestrator/internal/monitor"
	"query-orchestrator/internal/storage"
)

// RemoteStatus is a run state as reported by the remote engine.
type RemoteStatus string

const (
	RemotePending   RemoteStatus = "PENDING"
	RemoteRunning   RemoteStatus = "RUNNING"
	RemoteSucceeded RemoteStatus = "SUCCEEDED"
	RemoteFailed    RemoteStatus = "FAILED"
	RemoteCancelled RemoteStatus = "CANCELLED"
)

// ParseRemoteStatus normalizes the engine's status vocabulary.
func ParseRemoteStatus(s string) RemoteStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "QUEUED", "SUBMITTED", "":
		return RemotePending
	case "RUNNING", "IN_PROGRESS", "STARTED":
		return RemoteRunning
	case "SUCCEEDED", "SUCCESS", "COMPLETED", "DONE":
		return RemoteSucceeded
	case "CANCELLED", "CANCELED", "ABORTED":
		return RemoteCancelled
	default:
		return RemoteFailed
	}
}

// SubmitInput selects what to run: a registered job id, or raw SQL when JobID is empty.
type SubmitInput struct {
	JobID      string
	SQL        string
	Parameters map[string]string
}

// Submission is the engine's acknowledgement of a submitted run.
type Submission struct {
	Handle   string
	Status   RemoteStatus
	Progress int
}

// RunState is the current state of a remote run.
type RunState struct {
	Status       RemoteStatus
	Progress     int
	Message      string
	Detail       *storage.ErrorDetail
	RuntimeMS    int64
	BytesScanned int64
}

// Options configures a Client.
type Options struct {
	Timeout         time.Duration
	RateLimitRPS    float64 // 0 disables client-side rate limiting
	RateLimitBurst  int
	BreakerFailures uint32
	BreakerCooldown time.Duration
	MaxResultBytes  int64
	UserAgent       string
	DefaultToken    string
	HTTPClient      *http.Client
	Metrics         *monitor.Metrics
	Tracer          *monitor.Tracer
}

// Client talks to the remote query engine over HTTP. One Client serves all
// target instances; the rate limiter and circuit breaker are process-wide.
type Client struct {
	http           *http.Client
	limiter        *rate.Limiter
	breaker        *gobreaker.CircuitBreaker[*response]
	maxResultBytes int64
	userAgent      string
	defaultToken   string
	metrics        *monitor.Metrics
	tracer         *monitor.Tracer
}

type response struct {
	status int
	body   []byte
}

// New creates a remote engine client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	if opts.MaxResultBytes <= 0 {
		opts.MaxResultBytes = 64 << 20
	}
	if opts.Metrics == nil {
		opts.Metrics = monitor.NewMetrics()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	c := &Client{
		http:           httpClient,
		maxResultBytes: opts.MaxResultBytes,
		userAgent:      opts.UserAgent,
		defaultToken:   opts.DefaultToken,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
	}

	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}

	failures := opts.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "remote-engine",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only engine-side trouble trips the breaker; a rejected query or a
		// caller that went away says nothing about the engine's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("gateway circuit breaker state changed")
			if to == gobreaker.StateOpen {
				c.metrics.BreakerState.Set(1)
			} else {
				c.metrics.BreakerState.Set(0)
			}
		},
	})

	return c
}

type registerRequest struct {
	Name string `json:"name"`
	SQL  string `json:"sql"`
}

type registerResponse struct {
	JobID string `json:"job_id"`
}

// RegisterJob creates a reusable job definition for sql and returns its id.
func (c *Client) RegisterJob(ctx context.Context, inst *storage.Instance, name, sql string) (string, error) {
	var out registerResponse
	if err := c.call(ctx, "register", inst, http.MethodPost, "/v1/jobs", registerRequest{Name: name, SQL: sql}, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", &Error{Kind: KindTransient, Op: "register", Message: "engine returned an empty job id"}
	}
	return out.JobID, nil
}

type submitRequest struct {
	JobID      string            `json:"job_id,omitempty"`
	SQL        string            `json:"sql,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type runResponse struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Progress   int       `json:"progress"`
	Error      *apiError `json:"error,omitempty"`
	Statistics *struct {
		RuntimeMS    int64 `json:"runtime_ms"`
		BytesScanned int64 `json:"bytes_scanned"`
	} `json:"statistics,omitempty"`
}

// Submit starts a run, either of a registered job or of raw SQL.
func (c *Client) Submit(ctx context.Context, inst *storage.Instance, in SubmitInput) (*Submission, error) {
	if in.JobID == "" && in.SQL == "" {
		return nil, &Error{Kind: KindValidation, Op: "submit", Message: "either job id or sql is required"}
	}

	var out runResponse
	req := submitRequest{JobID: in.JobID, Parameters: in.Parameters}
	if in.JobID == "" {
		req.SQL = in.SQL
	}
	if err := c.call(ctx, "submit", inst, http.MethodPost, "/v1/runs", req, &out); err != nil {
		return nil, err
	}
	if out.RunID == "" {
		return nil, &Error{Kind: KindTransient, Op: "submit", Message: "engine returned an empty run id"}
	}
	return &Submission{
		Handle:   out.RunID,
		Status:   ParseRemoteStatus(out.Status),
		Progress: clampProgress(out.Progress),
	}, nil
}

// PollStatus reports the current state of a run.
func (c *Client) PollStatus(ctx context.Context, inst *storage.Instance, handle string) (*RunState, error) {
	var out runResponse
	if err := c.call(ctx, "poll", inst, http.MethodGet, "/v1/runs/"+url.PathEscape(handle), nil, &out); err != nil {
		return nil, err
	}

	state := &RunState{
		Status:   ParseRemoteStatus(out.Status),
		Progress: clampProgress(out.Progress),
	}
	if out.Error != nil {
		state.Message = out.Error.Message
		state.Detail = out.Error.detail()
	}
	if out.Statistics != nil {
		state.RuntimeMS = out.Statistics.RuntimeMS
		state.BytesScanned = out.Statistics.BytesScanned
	}
	return state, nil
}

type resultsResponse struct {
	Locations []string `json:"locations"`
}

// FetchResultLocations returns the download URLs for a finished run's data.
func (c *Client) FetchResultLocations(ctx context.Context, inst *storage.Instance, handle string) ([]string, error) {
	var out resultsResponse
	path := "/v1/runs/" + url.PathEscape(handle) + "/results"
	if err := c.call(ctx, "results", inst, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Locations, nil
}

// call performs one instrumented JSON request against an instance.
func (c *Client) call(ctx context.Context, op string, inst *storage.Instance, method, path string, in, out any) error {
	ctx, span := c.tracer.StartSpan(ctx, "gateway."+op,
		monitor.AttrOperation.String(op),
		monitor.AttrInstanceID.String(inst.ID),
	)
	start := time.Now()

	err := c.do(ctx, op, inst, method, path, in, out)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	c.metrics.RecordGatewayCall(op, outcome, time.Since(start).Seconds())
	monitor.EndSpan(span, err)
	return err
}

func (c *Client) do(ctx context.Context, op string, inst *storage.Instance, method, path string, in, out any) error {
	if inst == nil || inst.Endpoint == "" {
		return &Error{Kind: KindValidation, Op: op, Message: "target instance has no endpoint"}
	}

	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindValidation, Op: op, Message: "encoding request", Err: err}
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Kind: KindTransient, Op: op, Message: "rate limiter", Err: err}
		}
	}

	resp, err := c.breaker.Execute(func() (*response, error) {
		return c.roundTrip(ctx, op, inst, method, path, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &Error{Kind: KindTransient, Op: op, Message: "circuit breaker open", Err: err}
		}
		return err
	}

	if out != nil && len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return &Error{Kind: KindTransient, Op: op, StatusCode: resp.status, Message: "decoding response", Err: err}
		}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op string, inst *storage.Instance, method, path string, payload []byte) (*response, error) {
	endpoint := strings.TrimRight(inst.Endpoint, "/") + path

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Message: "building request", Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	token := inst.Token
	if token == "" {
		token = c.defaultToken
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if inst.WorkspaceID != "" {
		req.Header.Set("X-Workspace-ID", inst.WorkspaceID)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, StatusCode: httpResp.StatusCode, Message: "reading response", Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, errorFromResponse(op, httpResp.StatusCode, data)
	}
	return &response{status: httpResp.StatusCode, body: data}, nil
}

func errorFromResponse(op string, status int, body []byte) *Error {
	var apiErr apiError
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		message = apiErr.Message
	}
	if message == "" {
		message = http.StatusText(status)
	}
	if len(message) > 2048 {
		message = message[:2048]
	}

	return &Error{
		Kind:       classify(status, message),
		Op:         op,
		StatusCode: status,
		Message:    message,
		Detail:     apiErr.detail(),
	}
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// String implements fmt.Stringer for log fields.
func (s *Submission) String() string {
	return fmt.Sprintf("%s(%s,%d%%)", s.Handle, s.Status, s.Progress)
}
