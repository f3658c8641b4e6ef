package detect

import (
	"context"
	"math"
	"strings"
	"time"
)

// SentimentModel produces a scalar sentiment score in [-1, 1] for a
// message. Implementations may call external services; errors make the
// engine fall back to the deterministic lexicon estimator rather than
// failing the analysis.
type SentimentModel interface {
	Score(ctx context.Context, text string) (float64, error)
}

// Lexicon weights for the fallback estimator. Words are matched per
// token, not as substrings. The gravest words carry double weight.
var (
	negativeWords = map[string]float64{
		"sad":       1,
		"alone":     1,
		"lonely":    1,
		"hopeless":  1,
		"worthless": 1,
		"empty":     1,
		"tired":     1,
		"exhausted": 1,
		"scared":    1,
		"afraid":    1,
		"angry":     1,
		"hurt":      1,
		"pain":      1,
		"crying":    1,
		"numb":      1,
		"die":       2,
		"death":     2,
		"dying":     2,
		"suicide":   2,
		"suicidal":  2,
		"kill":      2,
		"overdose":  2,
	}
	positiveWords = map[string]float64{
		"hope":      1,
		"hopeful":   1,
		"better":    1,
		"good":      1,
		"grateful":  1,
		"thankful":  1,
		"calm":      1,
		"safe":      1,
		"improving": 1,
		"relieved":  1,
		"proud":     1,
		"happy":     1,
	}
)

// lexiconSentiment is the deterministic fallback: weighted positive
// minus negative word counts, normalized by token count, clamped to
// [-1, 1].
func lexiconSentiment(text string) float64 {
	tokens := strings.Fields(normalizeText(text))
	if len(tokens) == 0 {
		return 0
	}

	var score float64
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,!?;:\"'()[]")
		if w, ok := negativeWords[tok]; ok {
			score -= w
		}
		if w, ok := positiveWords[tok]; ok {
			score += w
		}
	}

	score /= float64(len(tokens))
	return clampFloat(score, -1, 1)
}

// sentimentSignal maps a sentiment score to the signal emitted on
// every analysis call: severity = round((1-score)*5), confidence =
// |score|.
func sentimentSignal(score float64, at time.Time) Signal {
	score = clampFloat(score, -1, 1)
	severity := int(math.Round((1 - score) * 5))
	if severity < 0 {
		severity = 0
	}
	if severity > 10 {
		severity = 10
	}
	return Signal{
		Type:       SignalSentiment,
		Severity:   severity,
		Confidence: math.Abs(score),
		Indicators: []string{"sentiment"},
		At:         at,
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
