package opa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"policy-llm/backend/internal/decision"
)

// Config drives policy engine calls.
type Config struct {
	URL     string
	Timeout time.Duration
}

// DefaultURL is the OPA data API rule queried when none is configured.
const DefaultURL = "http://localhost:8181/v1/data/mcp/auth/allow"

// Input is the normalized, decision-relevant projection sent to the engine.
type Input struct {
	RoleTemplate string `json:"roleTemplate"`
	TrustScore   int    `json:"trustScore"`
	Endpoint     string `json:"endpoint"`
	Environment  string `json:"environment"`
	Action       string `json:"action"`
	Urgency      string `json:"urgency"`
}

type queryRequest struct {
	Input Input `json:"input"`
}

// NewInput projects a request and the model's proposed action.
func NewInput(req decision.DecideRequest, action decision.ModelAction) Input {
	return Input{
		RoleTemplate: req.RoleTemplate,
		TrustScore:   req.TrustLevel,
		Endpoint:     req.Endpoint,
		Environment:  req.Environment,
		Action:       action.Action,
		Urgency:      req.Urgency,
	}
}

// Client queries an OPA-compatible policy engine.
type Client struct {
	httpClient *http.Client
	url        string
	timeout    time.Duration
	log        logrus.FieldLogger
}

// NewClient constructs a policy client with defaults applied.
func NewClient(cfg Config, log logrus.FieldLogger) *Client {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = DefaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		timeout:    timeout,
		log:        log.WithField("component", "policy_client"),
	}
}

// URL returns the configured engine endpoint.
func (c *Client) URL() string { return c.url }

// Evaluate queries the engine and fails open: when the engine cannot answer,
// it logs a warning and returns decision.FailOpenEvaluation. A cancelled
// caller context is not an engine failure and logs no warning; callers must
// check ctx.Err() and discard the result.
func (c *Client) Evaluate(ctx context.Context, req decision.DecideRequest, action decision.ModelAction) decision.PolicyEvaluation {
	in := NewInput(req, action)
	eval, err := c.Query(ctx, in)
	if err != nil && ctx.Err() != nil {
		c.log.WithError(ctx.Err()).WithField("agent_id", req.AgentID).Info("policy query abandoned by caller")
		return decision.FailOpenEvaluation()
	}
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"policy_fail_open": true,
			"agent_id":         req.AgentID,
			"endpoint":         in.Endpoint,
			"action":           in.Action,
		}).Warn("policy engine unavailable, failing open")
		return decision.FailOpenEvaluation()
	}
	return eval
}

// Query posts in to the engine. Errors wrap decision.ErrPolicyEngineUnavailable.
func (c *Client) Query(ctx context.Context, in Input) (decision.PolicyEvaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(queryRequest{Input: in})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal input: %v", decision.ErrPolicyEngineUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", decision.ErrPolicyEngineUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", decision.ErrPolicyEngineUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", decision.ErrPolicyEngineUnavailable, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var eval decision.PolicyEvaluation
	if err := dec.Decode(&eval); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", decision.ErrPolicyEngineUnavailable, err)
	}
	if eval == nil {
		return nil, fmt.Errorf("%w: %v", decision.ErrPolicyEngineUnavailable, errors.New("empty response document"))
	}
	if _, ok := eval["result"]; !ok {
		c.log.WithField("endpoint", in.Endpoint).Info("policy engine returned no result; treating as deny")
	}
	return eval, nil
}
