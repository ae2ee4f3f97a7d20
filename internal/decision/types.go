package decision

import "encoding/json"

// Decision is the final state derived by Resolve.
type Decision string

const (
	Allow            Decision = "ALLOW"
	Deny             Decision = "DENY"
	RequiresApproval Decision = "REQUIRES_APPROVAL"
)

// DefaultUrgency is applied to requests that omit urgency.
const DefaultUrgency = "medium"

// ContextSnippet is a retrieved reference passage used to ground the model.
type ContextSnippet struct {
	ID    string   `json:"id" validate:"required"`
	Text  string   `json:"text"`
	Score *float64 `json:"score,omitempty"`
}

// TrustSignal is a recent trust observation about the agent.
type TrustSignal struct {
	Source string `json:"source" validate:"required"`
	Score  int    `json:"score"`
}

// DecideRequest is an agent's request for access to an endpoint.
type DecideRequest struct {
	AgentID         string           `json:"agentId" validate:"required"`
	RoleTemplate    string           `json:"roleTemplate" validate:"required"`
	TrustLevel      int              `json:"trustLevel" validate:"min=1,max=5"`
	Endpoint        string           `json:"endpoint" validate:"required"`
	Environment     string           `json:"environment" validate:"required"`
	Urgency         string           `json:"urgency"`
	ContextSnippets []ContextSnippet `json:"contextSnippets" validate:"dive"`
	RecentSignals   []TrustSignal    `json:"recentSignals" validate:"dive"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// Source is a document the model cites for its justification.
type Source struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Excerpt string  `json:"excerpt,omitempty"`
}

// ModelAction is the model's proposed action after it passed the output
// contract. The typed fields are what the pipeline reads; the document is the
// verbatim object the model produced and is what gets echoed and signed.
type ModelAction struct {
	Action           string         `json:"action"`
	Endpoint         string         `json:"endpoint"`
	Arguments        map[string]any `json:"arguments"`
	RequiresApproval bool           `json:"requiresApproval"`
	ApprovalsNeeded  []string       `json:"approvalsNeeded,omitempty"`
	Justification    string         `json:"justification"`
	Sources          []Source       `json:"sources"`
	Confidence       float64        `json:"confidence"`
	RiskAssessment   string         `json:"riskAssessment,omitempty"`
	ComplianceNotes  []string       `json:"complianceNotes,omitempty"`

	document map[string]any
}

// WithDocument attaches the raw model document to the action.
func (a ModelAction) WithDocument(doc map[string]any) ModelAction {
	a.document = doc
	return a
}

// Document returns the open document for the action. Actions built without a
// raw document are rendered from their typed fields.
func (a ModelAction) Document() map[string]any {
	if a.document != nil {
		return a.document
	}
	args := a.Arguments
	if args == nil {
		args = map[string]any{}
	}
	sources := make([]any, 0, len(a.Sources))
	for _, s := range a.Sources {
		src := map[string]any{"id": s.ID, "score": s.Score}
		if s.Excerpt != "" {
			src["excerpt"] = s.Excerpt
		}
		sources = append(sources, src)
	}
	doc := map[string]any{
		"action":           a.Action,
		"endpoint":         a.Endpoint,
		"arguments":        args,
		"requiresApproval": a.RequiresApproval,
		"justification":    a.Justification,
		"sources":          sources,
		"confidence":       a.Confidence,
	}
	if len(a.ApprovalsNeeded) > 0 {
		doc["approvalsNeeded"] = stringsToAny(a.ApprovalsNeeded)
	}
	if a.RiskAssessment != "" {
		doc["riskAssessment"] = a.RiskAssessment
	}
	if len(a.ComplianceNotes) > 0 {
		doc["complianceNotes"] = stringsToAny(a.ComplianceNotes)
	}
	return doc
}

// MarshalJSON renders the open document so unknown model keys pass through.
func (a ModelAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Document())
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// PolicyEvaluation is the policy engine's open result document.
type PolicyEvaluation map[string]any

// PolicyUnavailableReason annotates synthetic fail-open evaluations.
const PolicyUnavailableReason = "policy engine unavailable"

// FailOpenEvaluation is substituted when the policy engine cannot answer.
func FailOpenEvaluation() PolicyEvaluation {
	return PolicyEvaluation{"result": true, "reason": PolicyUnavailableReason}
}

// Result reports the engine's verdict. Anything but a JSON true is false.
func (p PolicyEvaluation) Result() bool {
	v, ok := p["result"].(bool)
	return ok && v
}

// Reason returns the engine's rationale, if any.
func (p PolicyEvaluation) Reason() string {
	v, _ := p["reason"].(string)
	return v
}

// FailedOpen reports whether the evaluation is the synthetic fail-open value.
func (p PolicyEvaluation) FailedOpen() bool {
	return p.Result() && p.Reason() == PolicyUnavailableReason
}

// Signature is the integrity tag attached to a decision.
type Signature struct {
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

// SignedDecision is the response returned for a decide request.
type SignedDecision struct {
	Decision         Decision         `json:"decision"`
	Action           ModelAction      `json:"action"`
	PolicyEvaluation PolicyEvaluation `json:"policyEvaluation"`
	Signature        Signature        `json:"signature"`
	AuditID          string           `json:"auditId"`
	TTL              int              `json:"ttl"`
}

// SigningView is the record covered by the decision signature.
func SigningView(d Decision, action ModelAction, eval PolicyEvaluation, auditID string) map[string]any {
	return map[string]any{
		"decision":         string(d),
		"action":           action.Document(),
		"policyEvaluation": map[string]any(eval),
		"auditId":          auditID,
	}
}
