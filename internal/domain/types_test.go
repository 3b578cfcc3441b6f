package domain

import (
	"errors"
	"testing"
)

func TestAppointmentStatusFinalized(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
		ok   bool
	}{
		{"pending", false, true},
		{" Confirmed ", false, true},
		{"completed", true, true},
		{"CANCELLED", true, true},
		{"no-show", false, false},
	}
	for _, tt := range tests {
		st, ok := ParseAppointmentStatus(tt.in)
		if ok != tt.ok {
			t.Fatalf("%q: ok=%v", tt.in, ok)
		}
		if ok && st.Finalized() != tt.want {
			t.Fatalf("%q: finalized=%v, want %v", tt.in, st.Finalized(), tt.want)
		}
	}
}

func TestCountQueued(t *testing.T) {
	t.Parallel()

	q, f := CountQueued([]ReminderResult{
		{Queued: true},
		{Queued: true},
		{Err: errors.New("no chat")},
		{},
	})
	if q != 2 || f != 1 {
		t.Fatalf("queued=%d failed=%d", q, f)
	}
}
