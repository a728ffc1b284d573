package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"

	"modelmux/internal/config"
	"modelmux/internal/types"
)

// LocalAdapter posts to an Ollama-compatible local model server.
// Unbounded here; the server bounds itself.
type LocalAdapter struct {
	cfg    config.LocalBackendConfig
	client *http.Client
}

// NewLocal builds the local HTTP adapter.
func NewLocal(cfg config.LocalBackendConfig) *LocalAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen-coder"
	}
	return &LocalAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout()},
	}
}

// Backend returns the adapter's backend id.
func (a *LocalAdapter) Backend() types.Backend { return types.BackendLocal }

// IsAvailable checks the server answers at all.
func (a *LocalAdapter) IsAvailable(ctx context.Context) bool {
	_, err := a.Ping(ctx)
	return err == nil
}

// SessionStatus for the local server is just reachability.
func (a *LocalAdapter) SessionStatus(ctx context.Context) SessionStatus {
	version, err := a.Ping(ctx)
	if err != nil {
		return SessionStatus{Available: false, Detail: err.Error()}
	}
	return SessionStatus{Available: true, Detail: version}
}

// Ping hits the version endpoint, used by the health monitor.
func (a *LocalAdapter) Ping(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/api/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Version, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count"`
}

// Execute posts the prompt with short retries on transient failures.
func (a *LocalAdapter) Execute(ctx context.Context, task types.Task) (*types.ExecutionResult, error) {
	payload, err := json.Marshal(generateRequest{
		Model:  a.cfg.Model,
		Prompt: BuildPrompt(task),
	})
	if err != nil {
		return nil, types.NewBackendError(types.BackendLocal, types.ErrKindFatal, err.Error())
	}

	start := time.Now()
	var out generateResponse
	err = retry.Do(
		func() error {
			req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/api/generate", bytes.NewReader(payload))
			if rerr != nil {
				return rerr
			}
			req.Header.Set("Content-Type", "application/json")
			resp, rerr := a.client.Do(req)
			if rerr != nil {
				return rerr
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return fmt.Errorf("local server status %d: %s", resp.StatusCode, body)
			}
			return json.NewDecoder(resp.Body).Decode(&out)
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		kind := types.ErrKindTransient
		if ctx.Err() == context.DeadlineExceeded {
			kind = types.ErrKindTimeout
		}
		return nil, types.NewBackendError(types.BackendLocal, kind, err.Error())
	}

	tokens := out.EvalCount
	if tokens == 0 {
		tokens = estimateOutputTokens(out.Response)
	}
	return &types.ExecutionResult{
		Success:      true,
		Backend:      types.BackendLocal,
		Model:        a.cfg.Model,
		Response:     out.Response,
		Duration:     time.Since(start),
		Tokens:       tokens,
		OutputLength: len(out.Response),
	}, nil
}
