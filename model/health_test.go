package model

import (
	"testing"
	"time"
)

func TestEndpointHealthTracking(t *testing.T) {
	r := testRegistry()

	if !r.IsEndpointAvailable("nova-pro") {
		t.Error("expected endpoint to be available initially")
	}
	if r.GetEndpointHealth("nova-pro") != nil {
		t.Error("expected no health info before any requests")
	}

	r.MarkEndpointSuccess("nova-pro")

	health := r.GetEndpointHealth("nova-pro")
	if health == nil {
		t.Fatal("expected health info after success")
	}
	if health.FailureCount != 0 {
		t.Errorf("expected failure count 0, got %d", health.FailureCount)
	}
	if health.LastSuccess.IsZero() {
		t.Error("expected last success to be set")
	}
}

func TestCircuitBreaker(t *testing.T) {
	r := testRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	now := time.Date(2025, 5, 8, 8, 0, 0, 0, time.UTC)
	r.health.now = func() time.Time { return now }

	r.MarkEndpointFailure("nova-pro")
	if !r.IsEndpointAvailable("nova-pro") {
		t.Error("expected endpoint available after 1 failure")
	}

	r.MarkEndpointFailure("nova-pro")
	if r.IsEndpointAvailable("nova-pro") {
		t.Error("expected circuit open after 2 failures")
	}
	if !r.IsEndpointAvailable("local") {
		t.Error("other endpoints must stay available")
	}

	now = now.Add(2 * time.Minute)
	if !r.IsEndpointAvailable("nova-pro") {
		t.Error("expected half-open after recovery timeout")
	}

	// failed trial call reopens immediately
	r.MarkEndpointFailure("nova-pro")
	if r.IsEndpointAvailable("nova-pro") {
		t.Error("expected circuit reopened after failed trial")
	}

	r.MarkEndpointSuccess("nova-pro")
	if !r.IsEndpointAvailable("nova-pro") {
		t.Error("expected circuit closed after success")
	}
}

func TestResetEndpointHealth(t *testing.T) {
	r := testRegistry()
	r.MarkEndpointFailure("local")
	if len(r.HealthSnapshot()) != 1 {
		t.Fatalf("expected one tracked endpoint")
	}
	r.ResetEndpointHealth("local")
	if r.GetEndpointHealth("local") != nil {
		t.Error("expected health cleared")
	}
}
