package detect

import (
	"strings"
	"time"
)

// keywordCategory is one weighted phrase category. Every phrase that
// matches yields its own independent LANGUAGE signal.
type keywordCategory struct {
	name       string
	severity   int
	confidence float64
	phrases    []string
}

// The five phrase categories, ordered by severity. Phrases are matched
// as case-insensitive substrings, so entries must be specific enough
// not to fire inside unrelated words ("wasted", not "high").
var keywordCategories = []keywordCategory{
	{
		name:       "immediate danger",
		severity:   10,
		confidence: 0.95,
		phrases: []string{
			"kill myself",
			"end my life",
			"end it all",
			"suicide",
			"want to die",
			"better off dead",
			"no reason to live",
		},
	},
	{
		name:       "self-harm",
		severity:   8,
		confidence: 0.90,
		phrases: []string{
			"hurt myself",
			"cut myself",
			"self harm",
			"overdose",
			"pills",
		},
	},
	{
		name:       "hopelessness",
		severity:   7,
		confidence: 0.85,
		phrases: []string{
			"hopeless",
			"no way out",
			"can't go on",
			"give up",
			"pointless",
			"trapped",
		},
	},
	{
		name:       "substance use",
		severity:   6,
		confidence: 0.80,
		phrases: []string{
			"drunk",
			"wasted",
			"blackout",
			"using again",
		},
	},
	{
		name:       "isolation",
		severity:   5,
		confidence: 0.75,
		phrases: []string{
			"all alone",
			"nobody cares",
			"no one would notice",
			"burden to everyone",
		},
	},
}

const isolationCategory = "isolation"

// normalizeText lowercases and folds typographic apostrophes so that
// "can’t" matches the phrase table's "can't".
func normalizeText(text string) string {
	text = strings.ToLower(text)
	text = strings.ReplaceAll(text, "’", "'")
	return text
}

// scanKeywords scans text against the phrase categories. Every matched
// phrase produces an independent signal, no de-duplication.
func scanKeywords(text string, at time.Time) []Signal {
	normalized := normalizeText(text)

	var signals []Signal
	for _, cat := range keywordCategories {
		for _, phrase := range cat.phrases {
			if strings.Contains(normalized, phrase) {
				signals = append(signals, Signal{
					Type:       SignalLanguage,
					Severity:   cat.severity,
					Confidence: cat.confidence,
					Indicators: []string{phrase, cat.name},
					At:         at,
				})
			}
		}
	}
	return signals
}

// hasIsolationLanguage reports whether any signal in this call came
// from the isolation category.
func hasIsolationLanguage(signals []Signal) bool {
	for _, sig := range signals {
		if sig.Type != SignalLanguage {
			continue
		}
		for _, ind := range sig.Indicators {
			if ind == isolationCategory {
				return true
			}
		}
	}
	return false
}
