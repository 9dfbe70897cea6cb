package ai

import "testing"

func TestRespond_KeywordMatch(t *testing.T) {
	f := NewFallbackResponder()

	reply := f.Respond("c1", "therapist", "I've been feeling really anxious lately")
	if len(reply.Segments) != 1 {
		t.Fatalf("segments = %v, want exactly one", reply.Segments)
	}
	want := fallbackRules["therapist"].rules[0].responses[0]
	if reply.Segments[0] != want {
		t.Errorf("reply = %q, want %q", reply.Segments[0], want)
	}
}

func TestRespond_DefaultPool(t *testing.T) {
	f := NewFallbackResponder()

	reply := f.Respond("c1", "dietician", "hello")
	if reply.Segments[0] != fallbackRules["dietician"].defaults[0] {
		t.Errorf("reply = %q, want first default", reply.Segments[0])
	}
}

func TestRespond_AvoidsRecentRepetition(t *testing.T) {
	f := NewFallbackResponder()

	first := f.Respond("c1", "therapist", "I feel anxious").Segments[0]
	second := f.Respond("c1", "therapist", "still anxious").Segments[0]
	if first == second {
		t.Errorf("consecutive replies identical: %q", first)
	}
}

func TestRespond_PoolExhaustedRepeats(t *testing.T) {
	f := NewFallbackResponder()

	pool := fallbackRules["sleep-coach"].rules[1].responses
	if len(pool) != 1 {
		t.Fatalf("expected single-response pool, got %d", len(pool))
	}
	a := f.Respond("c1", "sleep-coach", "too much coffee").Segments[0]
	b := f.Respond("c1", "sleep-coach", "more coffee").Segments[0]
	if a != b || a != pool[0] {
		t.Errorf("exhausted pool should repeat its only entry, got %q then %q", a, b)
	}
}

func TestRespond_ConversationsIsolated(t *testing.T) {
	f := NewFallbackResponder()

	a := f.Respond("c1", "therapist", "feeling anxious").Segments[0]
	b := f.Respond("c2", "therapist", "feeling anxious").Segments[0]
	if a != b {
		t.Errorf("fresh conversations should get the same first pick, got %q and %q", a, b)
	}
}

func TestRespond_UnknownPersona(t *testing.T) {
	f := NewFallbackResponder()

	reply := f.Respond("c1", "mystery", "hi")
	if len(reply.Segments) != 1 || reply.Segments[0] == "" {
		t.Errorf("unknown persona should still produce a reply, got %v", reply.Segments)
	}
}

func TestForget(t *testing.T) {
	f := NewFallbackResponder()

	first := f.Respond("c1", "therapist", "hello").Segments[0]
	f.Respond("c1", "therapist", "hello again")
	f.Forget("c1", "therapist")

	again := f.Respond("c1", "therapist", "hello").Segments[0]
	if again != first {
		t.Errorf("after Forget the first pick should repeat, got %q want %q", again, first)
	}
}
