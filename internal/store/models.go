package store

import (
	"encoding/json"
	"strings"
	"time"
)

// DecisionRecord is the durable audit row for one decide request.
type DecisionRecord struct {
	ID               uint   `gorm:"primaryKey"`
	AuditID          string `gorm:"size:64;uniqueIndex"`
	AgentID          string `gorm:"size:128;index"`
	RoleTemplate     string `gorm:"size:128"`
	TrustLevel       int
	Endpoint         string `gorm:"size:512"`
	Environment      string `gorm:"size:32;index"`
	Urgency          string `gorm:"size:32"`
	Action           string `gorm:"size:256"`
	Decision         string `gorm:"size:32;index"`
	RequiresApproval bool
	ApprovalsJSON    string `gorm:"type:text"`
	Confidence       float64
	RiskAssessment   string `gorm:"size:16"`
	PolicyResult     bool
	PolicyReason     string `gorm:"size:512"`
	PolicyFailOpen   bool   `gorm:"index"`
	RequestJSON      string `gorm:"type:text"`
	ActionJSON       string `gorm:"type:text"`
	PolicyJSON       string `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
}

// SetApprovals persists the approver role list as JSON.
func (r *DecisionRecord) SetApprovals(roles []string) {
	if roles == nil {
		r.ApprovalsJSON = "[]"
		return
	}
	payload, _ := json.Marshal(roles)
	r.ApprovalsJSON = string(payload)
}

// Approvals returns the approver roles the model asked for.
func (r *DecisionRecord) Approvals() []string {
	if strings.TrimSpace(r.ApprovalsJSON) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(r.ApprovalsJSON), &out); err != nil {
		return nil
	}
	return out
}

// RawJSON returns a stored JSON column for embedding in API responses.
func RawJSON(column string) json.RawMessage {
	if strings.TrimSpace(column) == "" || !json.Valid([]byte(column)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(column)
}
