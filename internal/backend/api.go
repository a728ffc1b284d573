package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"modelmux/internal/config"
	"modelmux/internal/logging"
	"modelmux/internal/registry"
	"modelmux/internal/types"
)

// APIAdapter calls the paid hosted model family through a
// chat-completions endpoint. Concurrency is unbounded here; the
// governor and ledger bound it.
type APIAdapter struct {
	cfg      config.APIBackendConfig
	registry *registry.Registry
	client   *http.Client
}

// NewAPI builds the paid API adapter.
func NewAPI(cfg config.APIBackendConfig, reg *registry.Registry) *APIAdapter {
	return &APIAdapter{
		cfg:      cfg,
		registry: reg,
		client:   &http.Client{Timeout: cfg.Timeout()},
	}
}

// Backend returns the adapter's backend id.
func (a *APIAdapter) Backend() types.Backend { return types.BackendAPI }

// IsAvailable requires an endpoint and a key.
func (a *APIAdapter) IsAvailable(_ context.Context) bool {
	return a.cfg.Endpoint != "" && a.apiKey() != ""
}

// SessionStatus reports key presence; the API has no session window.
func (a *APIAdapter) SessionStatus(ctx context.Context) SessionStatus {
	if !a.IsAvailable(ctx) {
		return SessionStatus{Detail: "no API key configured"}
	}
	return SessionStatus{Available: true}
}

// Ping issues a tiny request so the health monitor can verify the key
// and route work.
func (a *APIAdapter) Ping(ctx context.Context) (string, error) {
	if !a.IsAvailable(ctx) {
		return "", fmt.Errorf("api adapter not configured")
	}
	task := types.Task{Description: "ping", Metadata: map[string]string{"model": a.cfg.DefaultModel}}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	res, err := a.Execute(ctx, task)
	if err != nil {
		return "", err
	}
	return res.Model, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Execute resolves the model id and posts one chat completion.
// The router pins the registry's selection in task metadata; without it
// the adapter selects on its own.
func (a *APIAdapter) Execute(ctx context.Context, task types.Task) (*types.ExecutionResult, error) {
	modelID := task.Metadata["model"]
	if modelID == "" {
		sel, err := a.registry.SelectModel(task.Type, task.Complexity, registry.ContextSize(task))
		if err != nil {
			return nil, types.NewBackendError(types.BackendAPI, types.ErrKindTransient, err.Error())
		}
		modelID = sel.Qualified
	}

	payload, err := json.Marshal(chatRequest{
		Model:    modelID,
		Messages: []chatMessage{{Role: "user", Content: BuildPrompt(task)}},
	})
	if err != nil {
		return nil, types.NewBackendError(types.BackendAPI, types.ErrKindFatal, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewBackendError(types.BackendAPI, types.ErrKindFatal, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey())

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		kind := types.ErrKindTransient
		if ctx.Err() == context.DeadlineExceeded {
			kind = types.ErrKindTimeout
		}
		return nil, types.NewBackendError(types.BackendAPI, kind, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewBackendError(types.BackendAPI, types.ErrKindRateLimit,
			"status 429: "+string(body))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, types.NewBackendError(types.BackendAPI, types.ErrKindFatal,
			"status "+strconv.Itoa(resp.StatusCode)+": check API key")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewBackendError(types.BackendAPI, types.ErrKindTransient,
			fmt.Sprintf("status %d: %s", resp.StatusCode, body))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewBackendError(types.BackendAPI, types.ErrKindTransient, err.Error())
	}
	if len(out.Choices) == 0 {
		return nil, types.NewBackendError(types.BackendAPI, types.ErrKindTransient, "empty choices in response")
	}

	response := out.Choices[0].Message.Content
	tokens := out.Usage.TotalTokens
	if tokens == 0 {
		tokens = estimateOutputTokens(response)
	}

	result := &types.ExecutionResult{
		Success:      true,
		Backend:      types.BackendAPI,
		Model:        modelID,
		Response:     response,
		Duration:     time.Since(start),
		Tokens:       tokens,
		Cost:         a.cost(modelID, out.Usage.PromptTokens, out.Usage.CompletionTokens, tokens),
		OutputLength: len(response),
	}
	if task.OutputPath != "" {
		if werr := os.WriteFile(task.OutputPath, []byte(response), 0644); werr == nil {
			result.OutputPath = task.OutputPath
		}
	}
	logging.Adapters("api call model=%s tokens=%d cost=$%.4f", modelID, tokens, result.Cost)
	return result, nil
}

// cost prices the call from the registry row, falling back to a 70/30
// split when the usage block is missing.
func (a *APIAdapter) cost(modelID string, in, out, total int) float64 {
	m, ok := a.registry.LookupQualified(modelID)
	if !ok {
		return 0
	}
	if in == 0 && out == 0 {
		in = total * 7 / 10
		out = total - in
	}
	return float64(in)/1000*m.CostPer1KIn + float64(out)/1000*m.CostPer1KOut
}

func (a *APIAdapter) apiKey() string {
	env := a.cfg.APIKeyEnv
	if env == "" {
		env = "MODELMUX_API_KEY"
	}
	return os.Getenv(env)
}
