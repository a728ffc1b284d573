package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmux/internal/config"
	"modelmux/internal/registry"
	"modelmux/internal/types"
)

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func newAPIAdapter(t *testing.T, endpoint string) *APIAdapter {
	t.Helper()
	reg, err := registry.New(filepath.Join(t.TempDir(), "model-registry-state.json"), nil)
	require.NoError(t, err)
	t.Setenv("MODELMUX_API_KEY", "test-key")
	return NewAPI(config.APIBackendConfig{
		BackendConfig: config.BackendConfig{TimeoutSeconds: 10},
		DefaultModel:  "sonnet",
		Endpoint:      endpoint,
		APIKeyEnv:     "MODELMUX_API_KEY",
	}, reg)
}

func TestAPIExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"api answer"}}],
			"usage":{"prompt_tokens":700,"completion_tokens":300,"total_tokens":1000}
		}`))
	}))
	defer srv.Close()

	a := newAPIAdapter(t, srv.URL)
	res, err := a.Execute(context.Background(), types.Task{
		Description: "answer me",
		Metadata:    map[string]string{"model": "anthropic/sonnet"},
	})
	require.NoError(t, err)
	assert.Equal(t, "api answer", res.Response)
	assert.Equal(t, 1000, res.Tokens)
	// 0.7k * 0.003 + 0.3k * 0.015
	assert.InDelta(t, 0.0066, res.Cost, 0.0001)
}

func TestAPI429IsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := newAPIAdapter(t, srv.URL)
	_, err := a.Execute(context.Background(), types.Task{Description: "x", Metadata: map[string]string{"model": "anthropic/sonnet"}})
	var be *types.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, types.ErrKindRateLimit, be.Kind)
	assert.True(t, be.RateLimited)
}

func TestAPIUnauthorizedIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newAPIAdapter(t, srv.URL)
	_, err := a.Execute(context.Background(), types.Task{Description: "x", Metadata: map[string]string{"model": "anthropic/sonnet"}})
	var be *types.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, types.ErrKindFatal, be.Kind)
	assert.False(t, be.ShouldFallback)
}

func TestAPISelectsModelWhenUnpinned(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = decodeJSON(r, &req)
		gotModel = req.Model
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}],"usage":{"total_tokens":10}}`))
	}))
	defer srv.Close()

	a := newAPIAdapter(t, srv.URL)
	_, err := a.Execute(context.Background(), types.Task{
		Description: "analyze this module for regressions",
		Type:        types.TaskTypeAnalysis,
		Complexity:  5,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, gotModel)
}
