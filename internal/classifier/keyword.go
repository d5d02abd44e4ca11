// Package classifier provides the scoring backends used by the moderation
// service: a remote inference endpoint speaking the Hugging Face text
// classification protocol, and a local keyword/spam classifier used when no
// remote model is configured.
package classifier

import (
	"context"
	"strings"
	"unicode"

	"github.com/whisper/moderation/internal/scoring"
)

// Match reasons reported by KeywordClassifier.Check.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// Confidences emitted by the keyword classifier. A blocklisted term is
// treated as a near-certain toxic hit; spam is toxic but below the default
// high-risk gate.
const (
	keywordConfidence = 0.95
	spamConfidence    = 0.70
	cleanConfidence   = 0.99
)

// defaultTerms is the built-in blocklist. Single words are matched as whole
// tokens, multi-word entries as whole-word phrases.
var defaultTerms = []string{
	// abuse
	"fuck", "fucker", "motherfucker", "shit", "bitch", "asshole", "bastard",
	"cunt", "whore", "slut", "retard", "dickhead",
	// self-harm and threats
	"kill yourself", "go die", "kys", "i will kill you", "bomb threat",
	"shoot up the school",
	// sexual exploitation
	"child porn", "send nudes", "cp links",
	// extremism
	"heil hitler", "white power",
	// scams
	"free bitcoin", "crypto giveaway", "double your money",
}

// Match describes why a text was flagged.
type Match struct {
	Flagged bool
	Reason  string // ReasonKeyword or ReasonSpam
	Term    string // blocklisted term or spam heuristic name
}

// KeywordClassifier flags blocklisted words and phrases (including common
// leetspeak spellings) and spam patterns. It is safe for concurrent use; the
// term sets are read-only after construction.
type KeywordClassifier struct {
	words   map[string]struct{}
	phrases []string
}

var _ scoring.Classifier = (*KeywordClassifier)(nil)

// NewKeywordClassifier creates a classifier with the built-in blocklist.
func NewKeywordClassifier() *KeywordClassifier {
	return NewKeywordClassifierWithTerms(defaultTerms)
}

// NewKeywordClassifierWithTerms creates a classifier with a custom blocklist.
// Blank terms are ignored.
func NewKeywordClassifierWithTerms(terms []string) *KeywordClassifier {
	k := &KeywordClassifier{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
			continue
		case 1:
			k.words[tokens[0]] = struct{}{}
		default:
			k.phrases = append(k.phrases, strings.Join(tokens, " "))
		}
	}
	return k
}

// Check runs the blocklist first and the spam heuristics second.
func (k *KeywordClassifier) Check(text string) Match {
	lower := strings.ToLower(text)

	plain := tokenizePlain(lower)
	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}

	for _, tokens := range [][]string{plain, leet} {
		for _, tok := range tokens {
			if _, ok := k.words[tok]; ok {
				return Match{Flagged: true, Reason: ReasonKeyword, Term: tok}
			}
		}
	}

	if len(k.phrases) > 0 {
		plainJoined := " " + strings.Join(plain, " ") + " "
		leetJoined := " " + strings.Join(tokenizePlain(strings.Join(leet, " ")), " ") + " "
		for _, phrase := range k.phrases {
			needle := " " + phrase + " "
			if strings.Contains(plainJoined, needle) || strings.Contains(leetJoined, needle) {
				return Match{Flagged: true, Reason: ReasonKeyword, Term: phrase}
			}
		}
	}

	if name, ok := matchSpam(text); ok {
		return Match{Flagged: true, Reason: ReasonSpam, Term: name}
	}
	return Match{}
}

// Classify implements scoring.Classifier.
func (k *KeywordClassifier) Classify(ctx context.Context, text string) (scoring.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return scoring.Prediction{}, err
	}
	return k.predict(text), nil
}

// ClassifyBatch implements scoring.Classifier.
func (k *KeywordClassifier) ClassifyBatch(ctx context.Context, texts []string) ([]scoring.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]scoring.Prediction, len(texts))
	for i, text := range texts {
		out[i] = k.predict(text)
	}
	return out, nil
}

func (k *KeywordClassifier) predict(text string) scoring.Prediction {
	m := k.Check(text)
	switch {
	case !m.Flagged:
		return scoring.Prediction{Label: "safe", Confidence: cleanConfidence}
	case m.Reason == ReasonKeyword:
		return scoring.Prediction{Label: "toxic", Confidence: keywordConfidence}
	default:
		return scoring.Prediction{Label: "toxic", Confidence: spamConfidence}
	}
}

// leetMap folds common character substitutions back to letters.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'!': 'i',
	'3': 'e',
	'4': 'a',
	'@': 'a',
	'$': 's',
	'5': 's',
	'7': 't',
}

func normalizeLeet(token string) string {
	return strings.Map(func(r rune) rune {
		if mapped, ok := leetMap[r]; ok {
			return mapped
		}
		return r
	}, token)
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet is tokenizePlain but keeps leet substitution characters
// inside tokens so "b@dw0rd" stays one token.
func tokenizeLeet(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		if _, ok := leetMap[r]; ok {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
