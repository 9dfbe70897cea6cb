package ai

import "strings"

// Fallback modes. In strict mode an upstream failure propagates to the
// client as an error; in best-effort mode the delivery flow falls through to
// the rule-based responder instead.
const (
	ModeStrict     = "strict"
	ModeBestEffort = "besteffort"
)

// ValidMode reports whether mode names a known fallback mode.
func ValidMode(mode string) bool {
	return mode == ModeStrict || mode == ModeBestEffort
}

// keywordRule maps trigger words in the user's text to a candidate pool.
type keywordRule struct {
	triggers  []string
	responses []string
}

// personaRules holds the keyword rules and the default pool for one persona.
type personaRules struct {
	rules    []keywordRule
	defaults []string
}

var fallbackRules = map[string]personaRules{
	"therapist": {
		rules: []keywordRule{
			{
				triggers: []string{"anxious", "anxiety", "worried", "panic"},
				responses: []string{
					"That sounds really hard to sit with. What does the anxiety feel like in your body right now?",
					"When the worry shows up, what usually happens just before it?",
					"It makes sense that you'd feel anxious about that. What's the scariest part for you?",
				},
			},
			{
				triggers: []string{"sad", "depressed", "down", "lonely"},
				responses: []string{
					"I'm sorry you're feeling this way. How long have you been carrying it?",
					"That sounds heavy. Is there anything that has brought even a small moment of relief lately?",
				},
			},
		},
		defaults: []string{
			"Tell me more about that — what stands out most to you?",
			"How did that leave you feeling?",
			"I'm listening. What would you like to explore first?",
		},
	},
	"dietician": {
		rules: []keywordRule{
			{
				triggers: []string{"breakfast", "morning"},
				responses: []string{
					"A protein-forward breakfast helps most people: eggs, yogurt, or oats with nuts. What do you usually reach for?",
					"Mornings work best when they're simple. Could you prep something the night before?",
				},
			},
			{
				triggers: []string{"sugar", "snack", "craving"},
				responses: []string{
					"Cravings often follow a long gap between meals. How evenly are you eating through the day?",
					"Try pairing the snack with protein or fiber so it holds you longer. What snacks do you keep around?",
				},
			},
		},
		defaults: []string{
			"Walk me through a typical day of eating and we'll find one easy improvement.",
			"What's the one food habit you'd most like to change?",
		},
	},
	"fitness-coach": {
		rules: []keywordRule{
			{
				triggers: []string{"tired", "sore", "rest"},
				responses: []string{
					"Soreness is feedback, not failure. A light walk or mobility day still counts.",
					"Recovery is where the progress happens. How has your sleep been this week?",
				},
			},
			{
				triggers: []string{"motivation", "lazy", "skip"},
				responses: []string{
					"Shrink the session until it's too small to skip — even ten minutes keeps the streak alive.",
					"Motivation follows action more often than it precedes it. What's the smallest version of today's workout?",
				},
			},
		},
		defaults: []string{
			"Consistency beats intensity. What does your week of training look like right now?",
			"What equipment and time do you have to work with?",
		},
	},
	"sleep-coach": {
		rules: []keywordRule{
			{
				triggers: []string{"awake", "insomnia", "can't sleep", "cant sleep"},
				responses: []string{
					"If you've been in bed awake for twenty minutes, get up and do something calm in dim light until you're drowsy.",
					"Racing mind at night often means the day needs a wind-down buffer. What does your last hour before bed look like?",
				},
			},
			{
				triggers: []string{"caffeine", "coffee"},
				responses: []string{
					"Caffeine lingers longer than it feels. Try a cutoff eight hours before bed for a week and see what shifts.",
				},
			},
		},
		defaults: []string{
			"A steady wake time anchors everything else. What time do you get up on most days?",
			"Let's keep it simple tonight: dim the lights, cool the room, and put the phone out of reach.",
		},
	},
}

var genericDefaults = []string{
	"I'm having trouble reaching my usual resources, but I'm still here — tell me more.",
	"Let's keep going. What else is on your mind?",
}

// FallbackResponder produces deterministic rule-based replies when the
// upstream backend is unavailable. Selection is keyword matching against the
// user's text, keyed on persona, skipping replies recently used in the same
// conversation.
type FallbackResponder struct {
	recent *recentReplies
}

// NewFallbackResponder creates an empty FallbackResponder.
func NewFallbackResponder() *FallbackResponder {
	return &FallbackResponder{recent: newRecentReplies()}
}

// Respond returns a reply for the persona and user text. It always succeeds.
func (f *FallbackResponder) Respond(conversationID, personaID, userText string) Reply {
	key := conversationID + "/" + personaID
	lower := strings.ToLower(userText)

	pr, ok := fallbackRules[personaID]
	if !ok {
		pr = personaRules{defaults: genericDefaults}
	}

	var pool []string
	for _, rule := range pr.rules {
		for _, trigger := range rule.triggers {
			if strings.Contains(lower, trigger) {
				pool = rule.responses
				break
			}
		}
		if pool != nil {
			break
		}
	}
	if pool == nil {
		pool = pr.defaults
	}

	choice := pool[0]
	for _, candidate := range pool {
		if !f.recent.Contains(key, candidate) {
			choice = candidate
			break
		}
	}

	f.recent.Add(key, choice)
	return Reply{Segments: []string{choice}}
}

// Forget drops repetition-tracking state for a conversation/persona pair.
func (f *FallbackResponder) Forget(conversationID, personaID string) {
	f.recent.Remove(conversationID + "/" + personaID)
}
