package llm

import (
	"sync"
	"testing"
	"time"
)

func TestNewCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker("ollama")

	if cb.Name() != "ollama" {
		t.Errorf("expected name 'ollama', got %q", cb.Name())
	}
	if cb.State() != StateClosed {
		t.Errorf("expected initial state StateClosed, got %v", cb.State())
	}
	if cb.Failures() != 0 {
		t.Errorf("expected initial failures 0, got %d", cb.Failures())
	}
	if !cb.Allow() {
		t.Error("expected Allow() true when closed")
	}
}

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("ollama")

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed after 2 failures, got %v", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("expected StateOpen after 3 failures, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("expected Allow() false when open")
	}
}

func TestCircuitBreakerSuccessResets(t *testing.T) {
	cb := NewCircuitBreaker("ollama")

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed after success, got %v", cb.State())
	}
	if cb.Failures() != 0 {
		t.Errorf("expected 0 failures after success, got %d", cb.Failures())
	}
	if !cb.Allow() {
		t.Error("expected Allow() true after recovery")
	}
}

func TestCircuitBreakerTransitionsToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("ollama")

	mockTime := time.Now()
	cb.now = func() time.Time { return mockTime }

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()

	mockTime = mockTime.Add(30 * time.Second)
	if cb.Allow() {
		t.Error("expected Allow() false before recovery timeout")
	}

	mockTime = mockTime.Add(31 * time.Second)
	if !cb.Allow() {
		t.Error("expected Allow() true after recovery timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("expected StateHalfOpen, got %v", cb.State())
	}

	// A failed probe reopens immediately.
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("expected StateOpen after failed probe, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("expected Allow() false right after failed probe")
	}
}

func TestCircuitBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("ollama")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				cb.RecordFailure()
			} else {
				cb.RecordSuccess()
			}
			cb.Allow()
			cb.State()
		}(i)
	}
	wg.Wait()
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
