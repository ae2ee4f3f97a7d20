package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"policy-llm/backend/internal/decision"
)

// Config holds generative backend parameters.
type Config struct {
	BaseURL     string
	Model       string
	TopP        float64
	MaxTokens   int
	Timeout     time.Duration
	ListTimeout time.Duration
}

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "sck-policy-gguf"
)

// Client talks to an Ollama-compatible generate API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	model       string
	topP        float64
	maxTokens   int
	timeout     time.Duration
	listTimeout time.Duration
	log         logrus.FieldLogger
}

// NewClient applies defaults to cfg and constructs a Client.
func NewClient(cfg Config, log logrus.FieldLogger) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.TopP <= 0 {
		cfg.TopP = 0.9
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		topP:        cfg.TopP,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		listTimeout: cfg.ListTimeout,
		log:         log.WithField("component", "model_client"),
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Generate sends prompt with temperature 0 and returns the trimmed response
// text. Every failure wraps decision.ErrModelUnavailable; nothing is retried.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: 0,
			TopP:        c.topP,
			MaxTokens:   c.maxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", decision.ErrModelUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", decision.ErrModelUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", decision.ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", decision.ErrModelUnavailable, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", decision.ErrModelUnavailable, err)
	}
	text := strings.TrimSpace(decoded.Response)
	c.log.WithFields(logrus.Fields{
		"model":          c.model,
		"prompt_chars":   len(prompt),
		"response_chars": len(text),
	}).Debug("model response received")
	return text, nil
}

// ListModels returns the model names the backend advertises.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}

	var decoded tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	names := make([]string, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
