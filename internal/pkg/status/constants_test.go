package status

import (
	"testing"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		name string
		st   Status
		want string
	}{
		{st: Pending, want: "PENDING"},
		{st: Transcribing, want: "TRANSCRIBING"},
		{st: Analyzing, want: "ANALYZING"},
		{st: Completed, want: "COMPLETED"},
		{st: Failed, want: "FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.st.String(); got != tt.want {
				t.Errorf("Status.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrom(t *testing.T) {
	tests := []struct {
		name string
		args string
		want Status
	}{
		{args: "PENDING", want: Pending},
		{args: "olia", want: 0},
		{args: "TRANSCRIBING", want: Transcribing},
		{args: "ANALYZING", want: Analyzing},
		{args: "COMPLETED", want: Completed},
		{args: "FAILED", want: Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := From(tt.args); got != tt.want {
				t.Errorf("From() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{from: Pending, to: Transcribing, want: true},
		{from: Pending, to: Analyzing, want: true},
		{from: Transcribing, to: Analyzing, want: true},
		{from: Transcribing, to: Failed, want: true},
		{from: Analyzing, to: Completed, want: true},
		{from: Analyzing, to: Failed, want: true},
		{from: Pending, to: Completed, want: false},
		{from: Transcribing, to: Completed, want: false},
		{from: Analyzing, to: Transcribing, want: false},
		{from: Completed, to: Failed, want: false},
		{from: Completed, to: Analyzing, want: false},
		{from: Failed, to: Analyzing, want: false},
		{from: Failed, to: Completed, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCanRestart(t *testing.T) {
	if !CanRestart(Failed) {
		t.Errorf("CanRestart(Failed) = false")
	}
	for _, st := range []Status{Pending, Transcribing, Analyzing, Completed} {
		if CanRestart(st) {
			t.Errorf("CanRestart(%v) = true", st)
		}
		if CanTransition(Failed, st) {
			t.Errorf("CanTransition(Failed, %v) = true", st)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, st := range []Status{Pending, Transcribing, Analyzing} {
		if st.IsTerminal() {
			t.Errorf("IsTerminal(%v) = true", st)
		}
	}
	for _, st := range []Status{Completed, Failed} {
		if !st.IsTerminal() {
			t.Errorf("IsTerminal(%v) = false", st)
		}
	}
}

func TestErrCodes_String(t *testing.T) {
	tests := []struct {
		name string
		st   ErrCode
		want string
	}{
		{st: ECQuota, want: "QUOTA_EXCEEDED"},
		{st: ECNotStarted, want: "NOT_STARTED"},
		{st: ECBadOutput, want: "BAD_OUTPUT"},
		{st: ECTranscription, want: "TRANSCRIPTION"},
		{st: ECServiceError, want: "SERVICE_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.st.String(); got != tt.want {
				t.Errorf("ErrCode.String() = %v, want %v", got, tt.want)
			}
		})
	}
}
