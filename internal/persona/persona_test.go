package persona

import "testing"

func TestGet(t *testing.T) {
	p, ok := Get("therapist")
	if !ok {
		t.Fatal("therapist persona should exist")
	}
	if p.ID != "therapist" {
		t.Errorf("ID = %q, want therapist", p.ID)
	}
	if p.SystemPrompt == "" {
		t.Error("system prompt must be non-empty")
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"therapist", true},
		{"dietician", true},
		{"fitness-coach", true},
		{"sleep-coach", true},
		{"", false},
		{"Therapist", false},
		{"hacker", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.id); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestIDs(t *testing.T) {
	ids := IDs()
	if len(ids) != 4 {
		t.Errorf("len(IDs()) = %d, want 4", len(ids))
	}
	for _, id := range ids {
		if !Valid(id) {
			t.Errorf("IDs() returned invalid id %q", id)
		}
	}
}
