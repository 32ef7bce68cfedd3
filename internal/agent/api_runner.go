package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/imkarma/cardflow/internal/config"
)

const maxTokens = 5000

// Provider endpoints. Tests point these at an httptest server.
var endpoints = map[string]string{
	"openai":    "https://api.openai.com/v1/chat/completions",
	"anthropic": "https://api.anthropic.com/v1/messages",
	"google":    "https://generativelanguage.googleapis.com/v1beta/models",
}

// APIRunner calls an LLM provider's HTTP API directly.
type APIRunner struct {
	name     string
	cfg      config.LLM
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewAPIRunner creates a runner that calls LLM APIs.
func NewAPIRunner(name string, cfg config.LLM) (*APIRunner, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("llm %s: environment variable %s is not set", name, cfg.APIKeyEnv)
	}
	endpoint, ok := endpoints[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported API provider: %s", cfg.Provider)
	}

	timeout := time.Duration(cfg.DefaultTimeout()) * time.Second

	return &APIRunner{
		name:     name,
		cfg:      cfg,
		apiKey:   apiKey,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (r *APIRunner) Name() string { return r.name }
func (r *APIRunner) Mode() string { return "api" }

// Run sends the prompt to the configured API provider. Transport failures and
// non-200 answers are reported in Response.Error with the status as ExitCode,
// so callers can decide whether to retry.
func (r *APIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	var (
		url     string
		body    map[string]any
		headers = map[string]string{}
		parse   func([]byte) (output, model string, err error)
	)

	switch r.cfg.Provider {
	case "openai":
		messages := []map[string]string{}
		if req.System != "" {
			messages = append(messages, map[string]string{"role": "system", "content": req.System})
		}
		messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})
		url = r.endpoint
		body = map[string]any{"model": r.cfg.Model, "messages": messages, "max_tokens": maxTokens}
		headers["Authorization"] = "Bearer " + r.apiKey
		parse = parseOpenAI

	case "anthropic":
		url = r.endpoint
		body = map[string]any{
			"model":      r.cfg.Model,
			"max_tokens": maxTokens,
			"messages":   []map[string]string{{"role": "user", "content": req.Prompt}},
		}
		if req.System != "" {
			body["system"] = req.System
		}
		headers["x-api-key"] = r.apiKey
		headers["anthropic-version"] = "2023-06-01"
		parse = parseAnthropic

	case "google":
		model := r.cfg.Model
		if model == "" {
			model = "gemini-2.5-pro"
		}
		url = fmt.Sprintf("%s/%s:generateContent?key=%s", r.endpoint, model, r.apiKey)
		body = map[string]any{
			"contents": []map[string]any{
				{"parts": []map[string]string{{"text": req.Prompt}}},
			},
		}
		if req.System != "" {
			body["systemInstruction"] = map[string]any{
				"parts": []map[string]string{{"text": req.System}},
			}
		}
		parse = parseGoogle

	default:
		return nil, fmt.Errorf("unsupported API provider: %s", r.cfg.Provider)
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return &Response{
			ExitCode: -1,
			Duration: time.Since(start).Seconds(),
			Error:    fmt.Errorf("API call failed: %w", err),
		}, nil
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return &Response{
			Output:   string(respBody),
			ExitCode: httpResp.StatusCode,
			Duration: time.Since(start).Seconds(),
			Error:    fmt.Errorf("API returned status %d: %s", httpResp.StatusCode, string(respBody)),
		}, nil
	}

	output, model, err := parse(respBody)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if model == "" {
		model = r.cfg.Model
	}

	return &Response{
		Output:   output,
		Model:    model,
		Duration: time.Since(start).Seconds(),
	}, nil
}

func parseOpenAI(data []byte) (string, string, error) {
	var result struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", "", err
	}
	if len(result.Choices) == 0 {
		return "", result.Model, nil
	}
	return result.Choices[0].Message.Content, result.Model, nil
}

func parseAnthropic(data []byte) (string, string, error) {
	var result struct {
		Model   string `json:"model"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", "", err
	}
	if len(result.Content) == 0 {
		return "", result.Model, nil
	}
	return result.Content[0].Text, result.Model, nil
}

func parseGoogle(data []byte) (string, string, error) {
	var result struct {
		ModelVersion string `json:"modelVersion"`
		Candidates   []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", "", err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", result.ModelVersion, nil
	}
	return result.Candidates[0].Content.Parts[0].Text, result.ModelVersion, nil
}
