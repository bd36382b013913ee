package dependency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// remoteTimeoutSlack is added to the command timeout for the HTTP round trip.
const remoteTimeoutSlack = 10 * time.Second

// remoteErrorBody is the error envelope of the toolkit service.
type remoteErrorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details"`
}

// RemoteExecutor executes commands via HTTP API calls to the toolkit service.
// It is suitable for deployments where the GPU toolkit runs in a separate container.
type RemoteExecutor struct {
	config     ExecutorConfig
	httpClient *http.Client
}

// NewRemoteExecutor creates a new RemoteExecutor with the given configuration.
// Request deadlines come from the caller's context and the command timeout,
// so the client itself carries none.
func NewRemoteExecutor(config ExecutorConfig) *RemoteExecutor {
	return &RemoteExecutor{
		config:     config,
		httpClient: &http.Client{},
	}
}

// ExecuteCommand executes a command remotely via HTTP POST /api/v1/execute.
func (e *RemoteExecutor) ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	if req.Timeout == 0 {
		req.Timeout = e.config.DefaultTimeout
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout+remoteTimeoutSlack)
		defer cancel()
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return CommandResponse{}, fmt.Errorf("failed to serialize request: %w", err)
	}

	slog.Debug("sending command to toolkit service",
		"service_url", e.config.ServiceURL, "command", req.Command, "args", len(req.Args))

	url := fmt.Sprintf("%s/api/v1/execute", e.config.ServiceURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return CommandResponse{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return CommandResponse{}, fmt.Errorf("%s cancelled: %w", req.Command, ctx.Err())
		}
		return CommandResponse{}, &NetworkError{Op: "execute", Err: err}
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return CommandResponse{}, &NetworkError{Op: "read response", Err: err}
	}

	var resp CommandResponse
	if err := json.Unmarshal(bodyBytes, &resp); err != nil {
		slog.Warn("failed to parse toolkit service response",
			"status", httpResp.StatusCode, "body", tailString(string(bodyBytes), maxStderrInError), "error", err)
		return CommandResponse{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.DurationMs == 0 {
		resp.DurationMs = time.Since(start).Milliseconds()
	}

	switch {
	case httpResp.StatusCode == http.StatusOK && resp.Success:
		return resp, nil
	case httpResp.StatusCode == http.StatusGatewayTimeout:
		return resp, fmt.Errorf("%w (%v): %s (remote)", ErrTimeout, req.Timeout, req.Command)
	case resp.ExitCode != 0:
		return resp, &ExitError{Command: req.Command, ExitCode: resp.ExitCode, Stderr: resp.Stderr}
	default:
		var body remoteErrorBody
		_ = json.Unmarshal(bodyBytes, &body)
		slog.Warn("toolkit service error", "status", httpResp.StatusCode, "error", body.Error, "details", body.Details)
		return resp, &RemoteError{StatusCode: httpResp.StatusCode, Kind: body.Error, Details: body.Details}
	}
}

// HealthCheck verifies that the toolkit service is reachable and healthy.
func (e *RemoteExecutor) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v1/health", e.config.ServiceURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: "health", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("toolkit service unhealthy (HTTP %d)", resp.StatusCode)
	}

	return nil
}
