package opa

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"policy-llm/backend/internal/decision"
)

func sampleRequest() decision.DecideRequest {
	return decision.DecideRequest{
		AgentID:      "agent-1",
		RoleTemplate: "analyst",
		TrustLevel:   4,
		Endpoint:     "/api/reports",
		Environment:  "prod",
		Urgency:      "low",
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestEvaluateSendsProjectedInput(t *testing.T) {
	var got queryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"result": true, "decision_id": "abc"}`))
	}))
	defer srv.Close()

	client := NewClient(Config{URL: srv.URL}, quietLogger())
	eval := client.Evaluate(context.Background(), sampleRequest(), decision.ModelAction{Action: "read_reports"})
	if !eval.Result() || eval.FailedOpen() {
		t.Fatalf("expected engine allow, got %v", eval)
	}
	if eval["decision_id"] != "abc" {
		t.Fatalf("expected extra fields passed through, got %v", eval)
	}
	want := Input{RoleTemplate: "analyst", TrustScore: 4, Endpoint: "/api/reports", Environment: "prod", Action: "read_reports", Urgency: "low"}
	if got.Input != want {
		t.Fatalf("expected %+v got %+v", want, got.Input)
	}
}

func TestEvaluateDeny(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": false, "reason": "endpoint not permitted"}`))
	}))
	defer srv.Close()

	eval := NewClient(Config{URL: srv.URL}, quietLogger()).Evaluate(context.Background(), sampleRequest(), decision.ModelAction{})
	if eval.Result() || eval.Reason() != "endpoint not permitted" {
		t.Fatalf("expected deny with reason, got %v", eval)
	}
}

func TestEvaluateUndefinedResultIsNotFailOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	eval := NewClient(Config{URL: srv.URL}, quietLogger()).Evaluate(context.Background(), sampleRequest(), decision.ModelAction{})
	if eval.Result() {
		t.Fatalf("undefined result must read as false, got %v", eval)
	}
}

func TestEvaluateFailsOpen(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer garbage.Close()

	tests := []struct {
		name string
		url  string
	}{
		{"unreachable", closedURL},
		{"timeout", slow.URL},
		{"non success", failing.URL},
		{"undecodable", garbage.URL},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			log, hook := test.NewNullLogger()
			client := NewClient(Config{URL: tc.url, Timeout: 100 * time.Millisecond}, log)
			eval := client.Evaluate(context.Background(), sampleRequest(), decision.ModelAction{Action: "read"})
			if !eval.Result() || !eval.FailedOpen() {
				t.Fatalf("expected fail-open evaluation, got %v", eval)
			}
			if eval.Reason() != decision.PolicyUnavailableReason {
				t.Fatalf("unexpected reason %q", eval.Reason())
			}
			entry := hook.LastEntry()
			if entry == nil || entry.Level != logrus.WarnLevel || entry.Data["policy_fail_open"] != true {
				t.Fatalf("expected fail-open warning, got %+v", entry)
			}
		})
	}
}

func TestQueryReturnsTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(Config{URL: srv.URL}, quietLogger()).Query(context.Background(), Input{})
	if !errors.Is(err, decision.ErrPolicyEngineUnavailable) {
		t.Fatalf("expected policy engine unavailable, got %v", err)
	}
}

func TestEvaluateCallerCancelIsNotFailOpen(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	log, hook := test.NewNullLogger()
	client := NewClient(Config{URL: slow.URL, Timeout: time.Second}, log)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	client.Evaluate(ctx, sampleRequest(), decision.ModelAction{Action: "read"})

	if ctx.Err() == nil {
		t.Fatalf("expected caller context to be cancelled")
	}
	for _, entry := range hook.AllEntries() {
		if entry.Level <= logrus.WarnLevel || entry.Data["policy_fail_open"] == true {
			t.Fatalf("caller cancellation must not log a fail-open event: %+v", entry)
		}
	}
}
