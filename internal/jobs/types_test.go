package jobs

import (
	"testing"
	"time"
)

func TestParseTypeRoundTrip(t *testing.T) {
	t.Parallel()
	for typ := Type(0); typ < numTypes; typ++ {
		got, err := ParseType(typ.String())
		if err != nil {
			t.Fatalf("ParseType(%q): %v", typ.String(), err)
		}
		if got != typ {
			t.Fatalf("ParseType(%q) = %v, want %v", typ.String(), got, typ)
		}
	}
	if _, err := ParseType("no_such_job"); err == nil {
		t.Fatal("ParseType should reject unknown names")
	}
	if Type(99).Valid() {
		t.Fatal("Type(99) must not be valid")
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	cases := []struct {
		s    Status
		want bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, c := range cases {
		if got := c.s.Terminal(); got != c.want {
			t.Errorf("Terminal(%s) = %v, want %v", c.s, got, c.want)
		}
	}
}

func TestReadyScorePriorityDominates(t *testing.T) {
	t.Parallel()
	now := time.Now()
	// A higher-priority (lower number) job enqueued much later still sorts
	// ahead of a lower-priority one.
	later := now.Add(24 * time.Hour)
	if s1, s5 := readyScore(1, later), readyScore(5, now); s1 >= s5 {
		t.Fatalf("priority 1 at %v scored %v, not below priority 5 at %v (%v)", later, s1, now, s5)
	}
}

func TestReadyScoreFIFOWithinTier(t *testing.T) {
	t.Parallel()
	now := time.Now()
	first := readyScore(5, now)
	second := readyScore(5, now.Add(time.Millisecond))
	if first >= second {
		t.Fatalf("earlier job scored %v, not below later job %v", first, second)
	}
}

func TestJobFieldsRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC().Truncate(time.Millisecond)
	in := &Job{
		ID:          "j1",
		Type:        TypeBotSetup,
		Payload:     map[string]string{"bot_id": "b1"},
		Priority:    3,
		Status:      StatusPending,
		Retries:     1,
		MaxRetries:  3,
		CreatedAt:   now,
		AvailableAt: now.Add(time.Minute),
	}

	out, err := jobFromFields(in.fields())
	if err != nil {
		t.Fatalf("jobFromFields: %v", err)
	}
	if out.ID != in.ID || out.Type != in.Type || out.Priority != in.Priority ||
		out.Status != in.Status || out.Retries != in.Retries || out.MaxRetries != in.MaxRetries {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.Payload["bot_id"] != "b1" {
		t.Fatalf("payload lost: %v", out.Payload)
	}
	if !out.AvailableAt.Equal(in.AvailableAt) {
		t.Fatalf("available_at = %v, want %v", out.AvailableAt, in.AvailableAt)
	}
	if !out.CompletedAt.IsZero() {
		t.Fatalf("zero time should stay zero, got %v", out.CompletedAt)
	}
}

func TestJobFromFieldsRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := jobFromFields(map[string]string{"type": "bogus", "id": "x"}); err == nil {
		t.Fatal("unknown type must be rejected")
	}
	if _, err := jobFromFields(map[string]string{"type": "bot_setup"}); err == nil {
		t.Fatal("missing id must be rejected")
	}
}
