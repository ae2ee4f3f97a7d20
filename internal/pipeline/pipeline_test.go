package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"policy-llm/backend/internal/audit"
	"policy-llm/backend/internal/contract"
	"policy-llm/backend/internal/decision"
	"policy-llm/backend/internal/opa"
	"policy-llm/backend/internal/prompt"
	"policy-llm/backend/internal/signing"
)

type fakeModel struct {
	text  string
	err   error
	calls int
}

func (f *fakeModel) Generate(ctx context.Context, prompt string) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakePolicy struct {
	eval  decision.PolicyEvaluation
	calls int
	input opa.Input
}

func (f *fakePolicy) Evaluate(ctx context.Context, req decision.DecideRequest, action decision.ModelAction) decision.PolicyEvaluation {
	f.calls++
	f.input = opa.NewInput(req, action)
	return f.eval
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeRecorder) Record(ctx context.Context, entry audit.Entry) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.AuditID = audit.NewID()
	f.entries = append(f.entries, entry)
	return entry.AuditID
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func modelOutput(t *testing.T, mutate func(map[string]any)) string {
	t.Helper()
	out := map[string]any{
		"action":           "read_logs",
		"endpoint":         "/api/logs",
		"arguments":        map[string]any{},
		"requiresApproval": false,
		"justification":    "Dev read access is within role scope [doc#sec-1]",
		"sources":          []any{map[string]any{"id": "sec-1", "score": 0.9}},
		"confidence":       0.9,
		"riskAssessment":   "LOW",
	}
	if mutate != nil {
		mutate(out)
	}
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func devRequest() decision.DecideRequest {
	return decision.DecideRequest{
		AgentID:      "agent-42",
		RoleTemplate: "sre",
		TrustLevel:   5,
		Endpoint:     "/api/logs",
		Environment:  "dev",
		Urgency:      "low",
		ContextSnippets: []decision.ContextSnippet{
			{ID: "sec-1", Text: "SRE roles may read logs in non-production environments."},
		},
		RecentSignals: []decision.TrustSignal{{Source: "oncall", Score: 95}},
	}
}

type harness struct {
	pipeline *Pipeline
	model    *fakeModel
	recorder *fakeRecorder
	signer   *signing.Signer
}

func newHarness(t *testing.T, model *fakeModel, policy PolicyEvaluator) harness {
	t.Helper()
	log := quietLogger()
	c, err := contract.New(log)
	if err != nil {
		t.Fatalf("contract: %v", err)
	}
	signer, err := signing.New("test-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	rec := &fakeRecorder{}
	p, err := New(Deps{
		Prompts:  prompt.NewBuilder(0),
		Model:    model,
		Contract: c,
		Policy:   policy,
		Audit:    rec,
		Signer:   signer,
		Log:      log,
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	return harness{pipeline: p, model: model, recorder: rec, signer: signer}
}

func TestDecideScenarios(t *testing.T) {
	tests := []struct {
		name     string
		output   func(map[string]any)
		eval     decision.PolicyEvaluation
		expected decision.Decision
	}{
		{"trusted dev read is allowed", nil, decision.PolicyEvaluation{"result": true}, decision.Allow},
		{"policy deny wins", nil, decision.PolicyEvaluation{"result": false, "reason": "endpoint not permitted"}, decision.Deny},
		{"policy deny wins over approval", func(m map[string]any) { m["requiresApproval"] = true }, decision.PolicyEvaluation{"result": false}, decision.Deny},
		{"model requests approval", func(m map[string]any) {
			m["requiresApproval"] = true
			m["approvalsNeeded"] = []any{"security-lead"}
		}, decision.PolicyEvaluation{"result": true}, decision.RequiresApproval},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			policy := &fakePolicy{eval: tc.eval}
			h := newHarness(t, &fakeModel{text: modelOutput(t, tc.output)}, policy)

			got, err := h.pipeline.Decide(context.Background(), devRequest())
			if err != nil {
				t.Fatalf("decide: %v", err)
			}
			if got.Decision != tc.expected {
				t.Fatalf("expected %s got %s", tc.expected, got.Decision)
			}
			if got.TTL != 300 {
				t.Fatalf("expected ttl 300, got %d", got.TTL)
			}
			if policy.calls != 1 || policy.input.Action != "read_logs" || policy.input.TrustScore != 5 {
				t.Fatalf("unexpected policy call %d %+v", policy.calls, policy.input)
			}
			if len(h.recorder.entries) != 1 || h.recorder.entries[0].AuditID != got.AuditID {
				t.Fatalf("expected one audit entry with matching id")
			}
			if h.recorder.entries[0].Decision != tc.expected {
				t.Fatalf("audit entry recorded %s", h.recorder.entries[0].Decision)
			}

			view := decision.SigningView(got.Decision, got.Action, got.PolicyEvaluation, got.AuditID)
			ok, err := h.signer.Verify(view, got.Signature)
			if err != nil || !ok {
				t.Fatalf("signature did not verify: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestDecideMissingConfidenceSkipsPolicy(t *testing.T) {
	policy := &fakePolicy{eval: decision.PolicyEvaluation{"result": true}}
	h := newHarness(t, &fakeModel{text: modelOutput(t, func(m map[string]any) { delete(m, "confidence") })}, policy)

	_, err := h.pipeline.Decide(context.Background(), devRequest())
	if !errors.Is(err, decision.ErrSchemaViolation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
	if policy.calls != 0 {
		t.Fatalf("policy engine must not be called after a schema violation")
	}
	if len(h.recorder.entries) != 0 {
		t.Fatalf("no audit entry expected for aborted requests")
	}
}

func TestDecideNonJSONSkipsPolicy(t *testing.T) {
	policy := &fakePolicy{eval: decision.PolicyEvaluation{"result": true}}
	h := newHarness(t, &fakeModel{text: "Sure! The request looks fine."}, policy)

	_, err := h.pipeline.Decide(context.Background(), devRequest())
	if !errors.Is(err, decision.ErrMalformedModelOutput) {
		t.Fatalf("expected malformed output, got %v", err)
	}
	if policy.calls != 0 {
		t.Fatalf("policy engine must not be called for malformed output")
	}
}

func TestDecideModelUnavailable(t *testing.T) {
	policy := &fakePolicy{eval: decision.PolicyEvaluation{"result": true}}
	h := newHarness(t, &fakeModel{err: decision.ErrModelUnavailable}, policy)

	_, err := h.pipeline.Decide(context.Background(), devRequest())
	if !errors.Is(err, decision.ErrModelUnavailable) {
		t.Fatalf("expected model unavailable, got %v", err)
	}
	if policy.calls != 0 {
		t.Fatalf("policy engine must not be called when the model fails")
	}
}

func TestDecideInvalidRequestSkipsBackends(t *testing.T) {
	model := &fakeModel{text: modelOutput(t, nil)}
	h := newHarness(t, model, &fakePolicy{eval: decision.PolicyEvaluation{"result": true}})

	req := devRequest()
	req.TrustLevel = 9
	_, err := h.pipeline.Decide(context.Background(), req)
	if !errors.Is(err, decision.ErrRequestValidation) {
		t.Fatalf("expected request validation error, got %v", err)
	}
	if model.calls != 0 {
		t.Fatalf("model must not be called for invalid requests")
	}
}

func TestDecidePolicyEngineDownFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	policy := opa.NewClient(opa.Config{URL: url}, quietLogger())
	h := newHarness(t, &fakeModel{text: modelOutput(t, nil)}, policy)

	got, err := h.pipeline.Decide(context.Background(), devRequest())
	if err != nil {
		t.Fatalf("policy outage must not fail the request: %v", err)
	}
	if got.Decision != decision.Allow {
		t.Fatalf("expected ALLOW under fail-open, got %s", got.Decision)
	}
	if got.PolicyEvaluation.Reason() != decision.PolicyUnavailableReason {
		t.Fatalf("expected unavailability in reason, got %v", got.PolicyEvaluation)
	}
}

func TestDecideDefaultsUrgency(t *testing.T) {
	policy := &fakePolicy{eval: decision.PolicyEvaluation{"result": true}}
	h := newHarness(t, &fakeModel{text: modelOutput(t, nil)}, policy)

	req := devRequest()
	req.Urgency = ""
	if _, err := h.pipeline.Decide(context.Background(), req); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if policy.input.Urgency != decision.DefaultUrgency {
		t.Fatalf("expected default urgency, got %q", policy.input.Urgency)
	}
}

func TestNewRequiresStages(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatalf("expected error for missing stages")
	}
}

type cancellingPolicy struct {
	cancel context.CancelFunc
}

func (c cancellingPolicy) Evaluate(ctx context.Context, req decision.DecideRequest, action decision.ModelAction) decision.PolicyEvaluation {
	c.cancel()
	return decision.FailOpenEvaluation()
}

func TestDecideCallerCancelDuringPolicy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, &fakeModel{text: modelOutput(t, nil)}, cancellingPolicy{cancel: cancel})

	_, err := h.pipeline.Decide(ctx, devRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(h.recorder.entries) != 0 {
		t.Fatalf("cancelled requests must not be audited, got %d entries", len(h.recorder.entries))
	}
}

func TestDecideCallerCancelOnSlowPolicyEngine(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	policy := opa.NewClient(opa.Config{URL: slow.URL, Timeout: time.Second}, quietLogger())
	h := newHarness(t, &fakeModel{text: modelOutput(t, nil)}, policy)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := h.pipeline.Decide(ctx, devRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(h.recorder.entries) != 0 {
		t.Fatalf("cancelled requests must not be audited")
	}
}
