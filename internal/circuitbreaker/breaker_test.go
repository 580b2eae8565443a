package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	if !b.Allow("provider") {
		t.Fatal("Expected closed circuit to allow requests")
	}

	b.RecordFailure("provider")
	b.RecordFailure("provider")
	if b.State("provider") != StateClosed {
		t.Error("Expected circuit still closed below threshold")
	}

	b.RecordFailure("provider")
	if b.State("provider") != StateOpen {
		t.Error("Expected circuit open after threshold failures")
	}
	if b.Allow("provider") {
		t.Error("Expected open circuit to reject requests")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("provider")
	if b.Allow("provider") {
		t.Fatal("Expected open circuit to reject")
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow("provider") {
		t.Fatal("Expected probe allowed after open duration")
	}
	if b.State("provider") != StateHalfOpen {
		t.Errorf("Expected half_open, got %s", b.State("provider"))
	}
	// Second request during probe is rejected.
	if b.Allow("provider") {
		t.Error("Expected concurrent probe to be rejected")
	}

	b.RecordSuccess("provider")
	if b.State("provider") != StateClosed {
		t.Errorf("Expected closed after successful probe, got %s", b.State("provider"))
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("provider")
	time.Sleep(20 * time.Millisecond)
	b.Allow("provider") // move to half-open

	b.RecordFailure("provider")
	if b.State("provider") != StateOpen {
		t.Errorf("Expected open after failed probe, got %s", b.State("provider"))
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)

	b.RecordFailure("rates")
	if b.Allow("rates") {
		t.Error("Expected rates circuit open")
	}
	if !b.Allow("assets") {
		t.Error("Expected assets circuit unaffected")
	}
}
