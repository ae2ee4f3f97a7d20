package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"policy-llm/backend/internal/store"
)

// StoreSink persists entries as store.DecisionRecord rows.
type StoreSink struct {
	db *store.Database
}

// NewStoreSink wraps db.
func NewStoreSink(db *store.Database) *StoreSink {
	return &StoreSink{db: db}
}

// Write converts and saves entry.
func (s *StoreSink) Write(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record, err := ToRecord(entry)
	if err != nil {
		return err
	}
	if err := s.db.SaveDecision(record); err != nil {
		return fmt.Errorf("save decision %s: %w", entry.AuditID, err)
	}
	return nil
}

// ToRecord flattens an entry into its durable row.
func ToRecord(entry Entry) (*store.DecisionRecord, error) {
	reqJSON, err := json.Marshal(entry.Request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	actionJSON, err := json.Marshal(entry.Action)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}
	policyJSON, err := json.Marshal(entry.PolicyEvaluation)
	if err != nil {
		return nil, fmt.Errorf("marshal policy evaluation: %w", err)
	}

	record := &store.DecisionRecord{
		AuditID:          entry.AuditID,
		AgentID:          entry.Request.AgentID,
		RoleTemplate:     entry.Request.RoleTemplate,
		TrustLevel:       entry.Request.TrustLevel,
		Endpoint:         entry.Request.Endpoint,
		Environment:      entry.Request.Environment,
		Urgency:          entry.Request.Urgency,
		Action:           entry.Action.Action,
		Decision:         string(entry.Decision),
		RequiresApproval: entry.Action.RequiresApproval,
		Confidence:       entry.Action.Confidence,
		RiskAssessment:   entry.Action.RiskAssessment,
		PolicyResult:     entry.PolicyEvaluation.Result(),
		PolicyReason:     entry.PolicyEvaluation.Reason(),
		PolicyFailOpen:   entry.PolicyEvaluation.FailedOpen(),
		RequestJSON:      string(reqJSON),
		ActionJSON:       string(actionJSON),
		PolicyJSON:       string(policyJSON),
		CreatedAt:        entry.RecordedAt,
	}
	record.SetApprovals(entry.Action.ApprovalsNeeded)
	return record, nil
}
