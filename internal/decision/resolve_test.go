package decision

import "testing"

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		eval     PolicyEvaluation
		approval bool
		expected Decision
	}{
		{"policy deny without approval", PolicyEvaluation{"result": false}, false, Deny},
		{"policy deny overrides approval", PolicyEvaluation{"result": false, "reason": "endpoint not permitted"}, true, Deny},
		{"approval required", PolicyEvaluation{"result": true}, true, RequiresApproval},
		{"allow", PolicyEvaluation{"result": true}, false, Allow},
		{"missing result denies", PolicyEvaluation{}, false, Deny},
		{"non boolean result denies", PolicyEvaluation{"result": "true"}, false, Deny},
		{"fail open allows", FailOpenEvaluation(), false, Allow},
		{"fail open still honours approval", FailOpenEvaluation(), true, RequiresApproval},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(tc.eval, ModelAction{RequiresApproval: tc.approval})
			if got != tc.expected {
				t.Fatalf("expected %s got %s", tc.expected, got)
			}
		})
	}
}

// A high-risk action the model did not flag is allowed unless the policy
// engine denies it. This documents the current trust boundary.
func TestResolveTrustsModelApprovalFlag(t *testing.T) {
	action := ModelAction{Action: "delete_user", Endpoint: "/api/users/42", RequiresApproval: false}
	if got := Resolve(PolicyEvaluation{"result": true}, action); got != Allow {
		t.Fatalf("expected ALLOW got %s", got)
	}
	if got := Resolve(PolicyEvaluation{"result": false}, action); got != Deny {
		t.Fatalf("expected DENY got %s", got)
	}
}

func TestPolicyEvaluationAccessors(t *testing.T) {
	eval := FailOpenEvaluation()
	if !eval.Result() || !eval.FailedOpen() {
		t.Fatalf("expected fail-open evaluation to allow and be flagged")
	}
	if eval.Reason() != PolicyUnavailableReason {
		t.Fatalf("unexpected reason %q", eval.Reason())
	}
	engine := PolicyEvaluation{"result": true, "reason": "role permitted"}
	if engine.FailedOpen() {
		t.Fatalf("engine answer must not read as fail-open")
	}
}

func TestModelActionDocument(t *testing.T) {
	action := ModelAction{
		Action:           "read",
		Endpoint:         "/api/reports",
		RequiresApproval: false,
		Justification:    "read-only [doc#1]",
		Sources:          []Source{{ID: "doc-1", Score: 0.9}},
		Confidence:       0.8,
	}
	doc := action.Document()
	args, ok := doc["arguments"].(map[string]any)
	if !ok || len(args) != 0 {
		t.Fatalf("expected empty arguments, got %#v", doc["arguments"])
	}
	if _, ok := doc["riskAssessment"]; ok {
		t.Fatalf("absent optional fields must not be rendered")
	}

	raw := map[string]any{"action": "read", "extra": "kept"}
	if got := action.WithDocument(raw).Document(); got["extra"] != "kept" {
		t.Fatalf("expected raw document passthrough")
	}
}
