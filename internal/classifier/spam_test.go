package classifier

import (
	"context"
	"math"
	"testing"
)

// TestSpam_URLs verifies that common URL formats are flagged.
func TestSpam_URLs(t *testing.T) {
	k := NewKeywordClassifierWithTerms(nil) // spam checks only

	tests := []struct {
		name    string
		input   string
		flagged bool
		term    string
	}{
		{"http url", "check out http://evil.com", true, "url"},
		{"https url", "visit https://spam.xyz/click", true, "url"},
		{"www url", "go to www.phishing.net", true, "url"},
		{"bare domain with path", "visit evil.com/free", true, "url"},
		{"bare domain .org path", "see example.org/page", true, "url"},
		{"bare domain .io path", "check app.io/signup", true, "url"},
		{"bare domain .ru path", "go to site.ru/malware", true, "url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := k.Check(tt.input)
			if result.Flagged != tt.flagged {
				t.Errorf("Check(%q).Flagged = %v, want %v", tt.input, result.Flagged, tt.flagged)
			}
			if tt.flagged && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
			if tt.flagged && result.Reason != ReasonSpam {
				t.Errorf("Check(%q).Reason = %q, want %q", tt.input, result.Reason, ReasonSpam)
			}
		})
	}
}

// TestSpam_PhoneNumbers verifies that common phone number formats are flagged.
func TestSpam_PhoneNumbers(t *testing.T) {
	k := NewKeywordClassifierWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		flagged bool
		term    string
	}{
		{"intl dashed", "+1-555-123-4567", true, "phone"},
		{"parenthesized area code", "(555) 123-4567", true, "phone"},
		{"dotted format", "555.123.4567", true, "phone"},
		{"spaced format", "555 123 4567", true, "phone"},
		{"in sentence", "call me at 555-123-4567 okay?", true, "phone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := k.Check(tt.input)
			if result.Flagged != tt.flagged {
				t.Errorf("Check(%q).Flagged = %v, want %v", tt.input, result.Flagged, tt.flagged)
			}
			if tt.flagged && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
		})
	}
}

// TestSpam_CharFlood verifies that repeated character flooding is flagged.
func TestSpam_CharFlood(t *testing.T) {
	k := NewKeywordClassifierWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		flagged bool
		term    string
	}{
		{"repeated o in word", "hellooooooo", true, "char_flood"},
		{"repeated A", "AAAAAA", true, "char_flood"},
		{"repeated exclamation", "wow!!!!!", true, "char_flood"},
		{"repeated equals", "=====", true, "char_flood"},
		{"four chars ok", "heeeel no", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := k.Check(tt.input)
			if result.Flagged != tt.flagged {
				t.Errorf("Check(%q).Flagged = %v, want %v", tt.input, result.Flagged, tt.flagged)
			}
			if tt.flagged && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
		})
	}
}

// TestSpam_WordFlood verifies that repeated word flooding is flagged.
func TestSpam_WordFlood(t *testing.T) {
	k := NewKeywordClassifierWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		flagged bool
		term    string
	}{
		{"buy x3", "buy buy buy", true, "word_flood"},
		{"spam x4", "spam spam spam spam", true, "word_flood"},
		{"in sentence", "hey buy buy buy now", true, "word_flood"},
		{"case insensitive", "BUY buy Buy", true, "word_flood"},
		{"two repeats ok", "go go", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := k.Check(tt.input)
			if result.Flagged != tt.flagged {
				t.Errorf("Check(%q).Flagged = %v, want %v", tt.input, result.Flagged, tt.flagged)
			}
			if tt.flagged && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
		})
	}
}

// TestSpam_CleanMessages ensures normal messages are NOT flagged as spam.
func TestSpam_CleanMessages(t *testing.T) {
	k := NewKeywordClassifierWithTerms(nil)

	clean := []struct {
		name  string
		input string
	}{
		{"short number", "I have 3 cats"},
		{"medium number", "My score is 100"},
		{"casual chat", "lol that's cool"},
		{"version string", "upgrade to v2.0"},
		{"decimal number", "pi is about 3.14"},
		{"normal sentence", "how are you doing today?"},
		{"multiple short nums", "I got 42 out of 50"},
		{"year reference", "see you in 2025"},
		{"temperature", "it's 72 degrees outside"},
		{"empty string", ""},
		{"single word", "hello"},
		{"two words", "hi there"},
		{"normal excitement", "wow!!! that's great!!"},
		{"repeated letters short", "sooo cool"},
		{"double word ok", "yeah yeah whatever"},
		{"dot in sentence", "ok. sure. fine."},
		{"email-like but not url", "contact support please"},
		{"money amount", "it costs $5.99"},
	}

	for _, tt := range clean {
		t.Run(tt.name, func(t *testing.T) {
			result := k.Check(tt.input)
			if result.Flagged {
				t.Errorf("Check(%q) was flagged (reason=%q, term=%q), expected clean",
					tt.input, result.Reason, result.Term)
			}
		})
	}
}

// Blocklist hits win over spam heuristics.
func TestSpam_KeywordTakesPriority(t *testing.T) {
	k := NewKeywordClassifierWithTerms([]string{"badword"})

	result := k.Check("badword")
	if !result.Flagged {
		t.Fatal("expected keyword match")
	}
	if result.Reason != ReasonKeyword {
		t.Errorf("Reason = %q, want %q", result.Reason, ReasonKeyword)
	}

	result = k.Check("visit http://evil.com")
	if !result.Flagged {
		t.Fatal("expected URL match")
	}
	if result.Reason != ReasonSpam {
		t.Errorf("Reason = %q, want %q", result.Reason, ReasonSpam)
	}
	if result.Term != "url" {
		t.Errorf("Term = %q, want %q", result.Term, "url")
	}
}

// TestSpam_EdgeCases covers boundary conditions.
func TestSpam_EdgeCases(t *testing.T) {
	k := NewKeywordClassifierWithTerms(nil)

	tests := []struct {
		name    string
		input   string
		flagged bool
	}{
		{"empty", "", false},
		{"single char", "a", false},
		{"spaces only", "   ", false},
		{"exactly 4 repeated chars", "aaaa", false},
		{"exactly 5 repeated chars", "aaaaa", true},
		{"newlines", "hello\nworld", false},
		{"tabs", "hello\tworld", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := k.Check(tt.input)
			if result.Flagged != tt.flagged {
				t.Errorf("Check(%q).Flagged = %v, want %v (reason=%q, term=%q)",
					tt.input, result.Flagged, tt.flagged, result.Reason, result.Term)
			}
		})
	}
}

// TestSpam_ClassifierPredictions checks that every spam heuristic reaches the
// scoring pipeline as a toxic prediction, through both entry points.
func TestSpam_ClassifierPredictions(t *testing.T) {
	k := NewKeywordClassifierWithTerms([]string{"badword"})
	ctx := context.Background()

	tests := []struct {
		name       string
		input      string
		label      string
		confidence float64
	}{
		{"url", "check out http://evil.com", "toxic", spamConfidence},
		{"phone", "call me at 555-123-4567 okay?", "toxic", spamConfidence},
		{"char flood", "hellooooooo", "toxic", spamConfidence},
		{"word flood", "buy buy buy", "toxic", spamConfidence},
		{"keyword", "you badword", "toxic", keywordConfidence},
		{"keyword beats spam", "badword http://evil.com", "toxic", keywordConfidence},
		{"clean", "see you at lunch", "safe", cleanConfidence},
	}

	inputs := make([]string, len(tests))
	for i, tt := range tests {
		inputs[i] = tt.input
	}
	batch, err := k.ClassifyBatch(ctx, inputs)
	if err != nil {
		t.Fatalf("ClassifyBatch: %v", err)
	}
	if len(batch) != len(tests) {
		t.Fatalf("ClassifyBatch returned %d predictions, want %d", len(batch), len(tests))
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := k.Classify(ctx, tt.input)
			if err != nil {
				t.Fatalf("Classify(%q): %v", tt.input, err)
			}
			if pred.Label != tt.label || math.Abs(pred.Confidence-tt.confidence) > 1e-9 {
				t.Errorf("Classify(%q) = %s/%.2f, want %s/%.2f",
					tt.input, pred.Label, pred.Confidence, tt.label, tt.confidence)
			}
			if batch[i] != pred {
				t.Errorf("ClassifyBatch[%d] = %+v, want %+v", i, batch[i], pred)
			}
		})
	}
}
