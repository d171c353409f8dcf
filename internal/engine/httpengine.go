package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// HTTPConfig configures an HTTPEngine.
type HTTPConfig struct {
	ID      string
	BaseURL string
	Model   string
	// APIKeyEnv names the environment variable holding the bearer token.
	// Empty means the backend is unauthenticated (local ollama).
	APIKeyEnv string
	// Timeout bounds one HTTP exchange. The orchestrator's per-task timeout
	// still applies on top via ctx.
	Timeout time.Duration

	Logger *slog.Logger
}

// HTTPEngine invokes an ollama-style generate endpoint.
type HTTPEngine struct {
	id      string
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPEngine(cfg HTTPConfig) (*HTTPEngine, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("engine id required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("engine %q: base url required", cfg.ID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("engine %q: env %s is empty", cfg.ID, cfg.APIKeyEnv)
		}
	}
	return &HTTPEngine{
		id:      cfg.ID,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger.With("engine", cfg.ID),
	}, nil
}

func (e *HTTPEngine) ID() string { return e.id }

type generateRequest struct {
	Model  string         `json:"model"`
	Prompt string         `json:"prompt"`
	Stream bool           `json:"stream"`
	Meta   map[string]any `json:"metadata,omitempty"`
}

type generateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// Invoke POSTs the request payload to the backend's generate endpoint. The
// payload's "prompt" key becomes the prompt; the rest rides along as
// metadata so backends can route on task type.
func (e *HTTPEngine) Invoke(ctx context.Context, req Request) (Response, error) {
	prompt, _ := req.Payload["prompt"].(string)
	if prompt == "" {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return Response{}, fmt.Errorf("encode prompt payload: %w", err)
		}
		prompt = string(raw)
	}

	body, err := json.Marshal(generateRequest{
		Model:  e.model,
		Prompt: prompt,
		Stream: false,
		Meta: map[string]any{
			"task_id":   req.TaskID,
			"task_type": req.Type,
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("encode generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("engine %s: %w", e.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("engine %s: status %d: %s", e.id, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return Response{}, fmt.Errorf("engine %s: decode response: %w", e.id, err)
	}
	if gen.Error != "" {
		return Response{}, fmt.Errorf("engine %s: %s", e.id, gen.Error)
	}

	e.logger.Debug("engine invocation complete",
		"task_id", req.TaskID,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", gen.PromptEvalCount,
		"completion_tokens", gen.EvalCount)

	return Response{
		Result:           map[string]any{"response": gen.Response},
		PromptTokens:     gen.PromptEvalCount,
		CompletionTokens: gen.EvalCount,
	}, nil
}
