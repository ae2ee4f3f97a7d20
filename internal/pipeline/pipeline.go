package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"policy-llm/backend/internal/audit"
	"policy-llm/backend/internal/decision"
	"policy-llm/backend/internal/util"
)

// DefaultTTL is how long a signed decision stays actionable.
const DefaultTTL = 300 * time.Second

// PromptBuilder renders a validated request into model instructions.
type PromptBuilder interface {
	Build(req decision.DecideRequest) string
}

// ModelClient returns the raw completion for a prompt.
type ModelClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// OutputValidator turns raw model text into a trusted action.
type OutputValidator interface {
	Validate(raw string) (decision.ModelAction, error)
}

// PolicyEvaluator asks the policy engine about the proposed action. It never
// fails; unavailability is reported inside the evaluation.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req decision.DecideRequest, action decision.ModelAction) decision.PolicyEvaluation
}

// Signer tags the canonical decision record.
type Signer interface {
	Sign(record any) (decision.Signature, error)
}

// Deps are the stage implementations a Pipeline runs.
type Deps struct {
	Prompts  PromptBuilder
	Model    ModelClient
	Contract OutputValidator
	Policy   PolicyEvaluator
	Audit    audit.Recorder
	Signer   Signer
	TTL      time.Duration
	Log      logrus.FieldLogger
}

// Pipeline runs one decide request through every stage in order.
type Pipeline struct {
	prompts  PromptBuilder
	model    ModelClient
	contract OutputValidator
	policy   PolicyEvaluator
	audit    audit.Recorder
	signer   Signer
	ttl      time.Duration
	log      logrus.FieldLogger
}

// New checks that every stage is present.
func New(deps Deps) (*Pipeline, error) {
	switch {
	case deps.Prompts == nil:
		return nil, errors.New("pipeline: prompt builder required")
	case deps.Model == nil:
		return nil, errors.New("pipeline: model client required")
	case deps.Contract == nil:
		return nil, errors.New("pipeline: output contract required")
	case deps.Policy == nil:
		return nil, errors.New("pipeline: policy evaluator required")
	case deps.Audit == nil:
		return nil, errors.New("pipeline: audit recorder required")
	case deps.Signer == nil:
		return nil, errors.New("pipeline: signer required")
	}
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{
		prompts:  deps.Prompts,
		model:    deps.Model,
		contract: deps.Contract,
		policy:   deps.Policy,
		audit:    deps.Audit,
		signer:   deps.Signer,
		ttl:      ttl,
		log:      log.WithField("component", "pipeline"),
	}, nil
}

// TTL returns the validity window stamped on decisions.
func (p *Pipeline) TTL() time.Duration { return p.ttl }

// Decide validates req and runs prompt, model, contract, policy, resolution,
// audit and signing in sequence. Any stage error aborts with no decision.
func (p *Pipeline) Decide(ctx context.Context, req decision.DecideRequest) (decision.SignedDecision, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return decision.SignedDecision{}, err
	}

	log := p.log.WithFields(logrus.Fields{
		"agent_id":    req.AgentID,
		"endpoint":    req.Endpoint,
		"environment": req.Environment,
	})
	timer := util.StartStageTimer()

	prompt := p.prompts.Build(req)
	raw, err := p.model.Generate(ctx, prompt)
	timer.Lap("model")
	if err != nil {
		log.WithError(err).Error("model backend call failed")
		return decision.SignedDecision{}, err
	}

	action, err := p.contract.Validate(raw)
	if err != nil {
		log.WithError(err).Error("model output rejected")
		return decision.SignedDecision{}, err
	}

	eval := p.policy.Evaluate(ctx, req, action)
	timer.Lap("policy")
	if err := ctx.Err(); err != nil {
		log.WithError(err).Info("request cancelled during policy evaluation")
		return decision.SignedDecision{}, err
	}

	resolved := decision.Resolve(eval, action)

	auditID := p.audit.Record(ctx, audit.Entry{
		Request:          req,
		Action:           action,
		Decision:         resolved,
		PolicyEvaluation: eval,
	})

	sig, err := p.signer.Sign(decision.SigningView(resolved, action, eval, auditID))
	if err != nil {
		log.WithError(err).WithField("audit_id", auditID).Error("sign decision")
		return decision.SignedDecision{}, fmt.Errorf("sign decision: %w", err)
	}
	timer.Lap("finalize")

	fields := timer.Fields()
	fields["audit_id"] = auditID
	fields["decision"] = resolved
	fields["action"] = action.Action
	fields["requires_approval"] = action.RequiresApproval
	fields["confidence"] = action.Confidence
	fields["policy_fail_open"] = eval.FailedOpen()
	log.WithFields(fields).Info("decision resolved")

	return decision.SignedDecision{
		Decision:         resolved,
		Action:           action,
		PolicyEvaluation: eval,
		Signature:        sig,
		AuditID:          auditID,
		TTL:              int(p.ttl / time.Second),
	}, nil
}
