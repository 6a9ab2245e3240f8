package agent

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateCreated, StateInitializing, true},
		{StateCreated, StateTerminated, true},
		{StateCreated, StateReady, false},
		{StateCreated, StateRunning, false},

		{StateInitializing, StateReady, true},
		{StateInitializing, StateError, true},
		{StateInitializing, StateTerminated, true},
		{StateInitializing, StateRunning, false},

		{StateReady, StateRunning, true},
		{StateReady, StatePaused, true},
		{StateReady, StateError, true},
		{StateReady, StateTerminated, true},
		{StateReady, StateReady, false},
		{StateReady, StateCreated, false},

		{StateRunning, StateReady, true},
		{StateRunning, StatePaused, true},
		{StateRunning, StateError, true},
		{StateRunning, StateTerminated, true},
		{StateRunning, StateInitializing, false},

		{StatePaused, StateReady, true},
		{StatePaused, StateTerminated, true},
		{StatePaused, StateRunning, false},
		{StatePaused, StateError, false},

		{StateError, StateReady, true},
		{StateError, StateTerminated, true},
		{StateError, StateRunning, false},
		{StateError, StatePaused, false},

		{StateTerminated, StateReady, false},
		{StateTerminated, StateCreated, false},
		{StateTerminated, StateTerminated, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestStateValid(t *testing.T) {
	for _, s := range []State{StateCreated, StateInitializing, StateReady,
		StateRunning, StatePaused, StateError, StateTerminated} {
		if !s.Valid() {
			t.Errorf("%s should be a valid state", s)
		}
	}
	if State("zombie").Valid() {
		t.Error("unknown state must not validate")
	}
}

func TestStateTerminal(t *testing.T) {
	if !StateTerminated.Terminal() {
		t.Error("terminated is terminal")
	}
	if StateError.Terminal() {
		t.Error("error state permits recovery, it is not terminal")
	}
}
