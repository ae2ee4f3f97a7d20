package api

import (
	"encoding/json"
	"time"

	"policy-llm/backend/internal/store"
)

// DecisionRecordDTO is the API representation of a stored decision.
type DecisionRecordDTO struct {
	AuditID          string          `json:"auditId"`
	AgentID          string          `json:"agentId"`
	RoleTemplate     string          `json:"roleTemplate"`
	TrustLevel       int             `json:"trustLevel"`
	Endpoint         string          `json:"endpoint"`
	Environment      string          `json:"environment"`
	Urgency          string          `json:"urgency"`
	Action           string          `json:"action"`
	Decision         string          `json:"decision"`
	RequiresApproval bool            `json:"requiresApproval"`
	ApprovalsNeeded  []string        `json:"approvalsNeeded"`
	Confidence       float64         `json:"confidence"`
	RiskAssessment   string          `json:"riskAssessment,omitempty"`
	PolicyResult     bool            `json:"policyResult"`
	PolicyReason     string          `json:"policyReason,omitempty"`
	PolicyFailOpen   bool            `json:"policyFailOpen"`
	Request          json.RawMessage `json:"request"`
	ModelAction      json.RawMessage `json:"modelAction"`
	PolicyEvaluation json.RawMessage `json:"policyEvaluation"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// DecisionsResponse is the listing payload.
type DecisionsResponse struct {
	Decisions []DecisionRecordDTO `json:"decisions"`
	Count     int                 `json:"count"`
	Total     int64               `json:"total"`
	Timestamp time.Time           `json:"timestamp"`
}

// FromModel converts a store.DecisionRecord into the DTO representation.
func FromModel(r store.DecisionRecord) DecisionRecordDTO {
	approvals := r.Approvals()
	if approvals == nil {
		approvals = []string{}
	}
	return DecisionRecordDTO{
		AuditID:          r.AuditID,
		AgentID:          r.AgentID,
		RoleTemplate:     r.RoleTemplate,
		TrustLevel:       r.TrustLevel,
		Endpoint:         r.Endpoint,
		Environment:      r.Environment,
		Urgency:          r.Urgency,
		Action:           r.Action,
		Decision:         r.Decision,
		RequiresApproval: r.RequiresApproval,
		ApprovalsNeeded:  approvals,
		Confidence:       r.Confidence,
		RiskAssessment:   r.RiskAssessment,
		PolicyResult:     r.PolicyResult,
		PolicyReason:     r.PolicyReason,
		PolicyFailOpen:   r.PolicyFailOpen,
		Request:          store.RawJSON(r.RequestJSON),
		ModelAction:      store.RawJSON(r.ActionJSON),
		PolicyEvaluation: store.RawJSON(r.PolicyJSON),
		CreatedAt:        r.CreatedAt,
	}
}
