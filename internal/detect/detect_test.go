package detect

import (
	"math"
	"testing"
	"time"
)

// =============================================================================
// Keyword Stage Tests
// =============================================================================

func TestScanKeywordsCategories(t *testing.T) {
	at := time.Now()

	tests := []struct {
		text       string
		severity   int
		confidence float64
		category   string
	}{
		{"I want to kill myself", 10, 0.95, "immediate danger"},
		{"thinking about suicide", 10, 0.95, "immediate danger"},
		{"I might hurt myself tonight", 8, 0.90, "self-harm"},
		{"everything feels hopeless", 7, 0.85, "hopelessness"},
		{"got completely wasted last night", 6, 0.80, "substance use"},
		{"I am all alone in this", 5, 0.75, "isolation"},
	}

	for _, tt := range tests {
		signals := scanKeywords(tt.text, at)
		if len(signals) != 1 {
			t.Fatalf("text %q: expected 1 signal, got %d", tt.text, len(signals))
		}
		sig := signals[0]
		if sig.Type != SignalLanguage {
			t.Errorf("text %q: expected LANGUAGE signal, got %s", tt.text, sig.Type)
		}
		if sig.Severity != tt.severity {
			t.Errorf("text %q: expected severity %d, got %d", tt.text, tt.severity, sig.Severity)
		}
		if sig.Confidence != tt.confidence {
			t.Errorf("text %q: expected confidence %v, got %v", tt.text, tt.confidence, sig.Confidence)
		}
		if len(sig.Indicators) != 2 || sig.Indicators[1] != tt.category {
			t.Errorf("text %q: expected category indicator %q, got %v", tt.text, tt.category, sig.Indicators)
		}
	}
}

func TestScanKeywordsCaseInsensitive(t *testing.T) {
	signals := scanKeywords("I WANT TO END IT ALL", time.Now())
	if len(signals) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(signals))
	}
	if signals[0].Severity != 10 {
		t.Errorf("expected severity 10, got %d", signals[0].Severity)
	}
}

func TestScanKeywordsTypographicApostrophe(t *testing.T) {
	signals := scanKeywords("I can’t go on like this", time.Now())
	if len(signals) != 1 {
		t.Fatalf("expected 1 signal for curly-apostrophe phrase, got %d", len(signals))
	}
	if signals[0].Indicators[0] != "can't go on" {
		t.Errorf("expected matched phrase \"can't go on\", got %q", signals[0].Indicators[0])
	}
}

func TestScanKeywordsIndependentSignals(t *testing.T) {
	// Two phrases from the same category still produce two signals.
	signals := scanKeywords("I want to kill myself, there is no reason to live", time.Now())
	if len(signals) != 2 {
		t.Fatalf("expected 2 independent signals, got %d", len(signals))
	}
	for _, sig := range signals {
		if sig.Severity != 10 {
			t.Errorf("expected severity 10, got %d", sig.Severity)
		}
	}
}

func TestScanKeywordsCrossCategory(t *testing.T) {
	signals := scanKeywords("I feel hopeless and all alone", time.Now())
	if len(signals) != 2 {
		t.Fatalf("expected 2 signals across categories, got %d", len(signals))
	}
	if signals[0].Severity != 7 || signals[1].Severity != 5 {
		t.Errorf("expected severities [7, 5] in category order, got [%d, %d]",
			signals[0].Severity, signals[1].Severity)
	}
}

func TestScanKeywordsNoFalsePositives(t *testing.T) {
	for _, text := range []string{
		"I got high marks on the exam",
		"carrying a heavy burden at work",
		"sitting alone at my desk",
		"the weather is fine today",
		"",
	} {
		if signals := scanKeywords(text, time.Now()); len(signals) != 0 {
			t.Errorf("text %q: expected no signals, got %d", text, len(signals))
		}
	}
}

func TestHasIsolationLanguage(t *testing.T) {
	at := time.Now()

	if !hasIsolationLanguage(scanKeywords("nobody cares about me", at)) {
		t.Error("expected isolation language to be detected")
	}
	if hasIsolationLanguage(scanKeywords("everything feels hopeless", at)) {
		t.Error("hopelessness should not count as isolation language")
	}
	if hasIsolationLanguage(nil) {
		t.Error("no signals should not count as isolation language")
	}
}

// =============================================================================
// Sentiment Stage Tests
// =============================================================================

func TestLexiconSentimentNeutral(t *testing.T) {
	if score := lexiconSentiment("the meeting starts at noon"); score != 0 {
		t.Errorf("expected 0 for neutral text, got %v", score)
	}
	if score := lexiconSentiment(""); score != 0 {
		t.Errorf("expected 0 for empty text, got %v", score)
	}
}

func TestLexiconSentimentPolarity(t *testing.T) {
	neg := lexiconSentiment("I feel so sad and lonely tonight")
	if neg >= 0 {
		t.Errorf("expected negative score, got %v", neg)
	}

	pos := lexiconSentiment("I feel hopeful and grateful today")
	if pos <= 0 {
		t.Errorf("expected positive score, got %v", pos)
	}
}

func TestLexiconSentimentGraveWordsWeighted(t *testing.T) {
	// "die" carries double weight, so a four-token message containing it
	// scores lower than one containing a weight-1 word.
	grave := lexiconSentiment("i want to die")
	mild := lexiconSentiment("i am so sad")
	if grave >= mild {
		t.Errorf("expected grave word to score lower: die=%v sad=%v", grave, mild)
	}
}

func TestLexiconSentimentPunctuation(t *testing.T) {
	if score := lexiconSentiment("So sad."); score >= 0 {
		t.Errorf("expected trailing punctuation to be trimmed, got %v", score)
	}
}

func TestSentimentSignalMath(t *testing.T) {
	at := time.Now()

	tests := []struct {
		score      float64
		severity   int
		confidence float64
	}{
		{-1, 10, 1},
		{-0.5, 8, 0.5},
		{0, 5, 0},
		{0.5, 3, 0.5},
		{1, 0, 1},
		{2, 0, 1},   // clamped to 1
		{-2, 10, 1}, // clamped to -1
	}

	for _, tt := range tests {
		sig := sentimentSignal(tt.score, at)
		if sig.Type != SignalSentiment {
			t.Errorf("score %v: expected SENTIMENT, got %s", tt.score, sig.Type)
		}
		if sig.Severity != tt.severity {
			t.Errorf("score %v: expected severity %d, got %d", tt.score, tt.severity, sig.Severity)
		}
		if math.Abs(sig.Confidence-tt.confidence) > 1e-9 {
			t.Errorf("score %v: expected confidence %v, got %v", tt.score, tt.confidence, sig.Confidence)
		}
	}
}

// =============================================================================
// Pattern Stage Tests
// =============================================================================

func TestPatternSignalBuckets(t *testing.T) {
	at := time.Now()

	for bucket := 0; bucket < 5; bucket++ {
		var probs [5]float64
		probs[bucket] = 0.9

		sig, ok := patternSignal(probs, at)
		if !ok {
			t.Fatalf("bucket %d: expected a signal", bucket)
		}
		if sig.Type != SignalPattern {
			t.Errorf("bucket %d: expected PATTERN, got %s", bucket, sig.Type)
		}
		want := (bucket + 1) * 2
		if sig.Severity != want {
			t.Errorf("bucket %d: expected severity %d, got %d", bucket, want, sig.Severity)
		}
		if sig.Confidence != 0.9 {
			t.Errorf("bucket %d: expected confidence 0.9, got %v", bucket, sig.Confidence)
		}
	}
}

func TestPatternSignalThreshold(t *testing.T) {
	at := time.Now()

	// Exactly at the threshold stays silent; the cut is strict.
	if _, ok := patternSignal([5]float64{0.7, 0.1, 0.1, 0.05, 0.05}, at); ok {
		t.Error("expected no signal at exactly the threshold")
	}
	if _, ok := patternSignal([5]float64{0.71, 0.1, 0.1, 0.05, 0.04}, at); !ok {
		t.Error("expected a signal just above the threshold")
	}
	if _, ok := patternSignal([5]float64{0.3, 0.2, 0.2, 0.2, 0.1}, at); ok {
		t.Error("expected no signal for a flat distribution")
	}
}

// =============================================================================
// Trend and Escalation Tests
// =============================================================================

func TestTrendSlopeLinear(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Severity climbing one unit per minute.
	var history []Signal
	for i := 0; i < 6; i++ {
		history = append(history, Signal{
			Severity: i + 1,
			At:       start.Add(time.Duration(i) * time.Minute),
		})
	}

	slope := trendSlope(history)
	if math.Abs(slope-1.0) > 1e-9 {
		t.Errorf("expected slope 1.0, got %v", slope)
	}
}

func TestTrendSlopeDegenerate(t *testing.T) {
	at := time.Now()

	if slope := trendSlope(nil); slope != 0 {
		t.Errorf("expected 0 for empty history, got %v", slope)
	}
	if slope := trendSlope([]Signal{{Severity: 5, At: at}}); slope != 0 {
		t.Errorf("expected 0 for a single point, got %v", slope)
	}
	// All timestamps identical: zero denominator.
	same := []Signal{{Severity: 1, At: at}, {Severity: 9, At: at}}
	if slope := trendSlope(same); slope != 0 {
		t.Errorf("expected 0 for coincident timestamps, got %v", slope)
	}
}

func TestTrendSlopeWindow(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Thirty old flat points followed by twenty rising points; only the
	// last twenty should feed the fit.
	var history []Signal
	for i := 0; i < 30; i++ {
		history = append(history, Signal{Severity: 5, At: start.Add(time.Duration(i) * time.Minute)})
	}
	for i := 0; i < 20; i++ {
		history = append(history, Signal{
			Severity: i%10 + 1,
			At:       start.Add(time.Duration(30+i) * time.Minute),
		})
	}

	full := append([]Signal(nil), history[len(history)-trendWindow:]...)
	if got, want := trendSlope(history), trendSlope(full); math.Abs(got-want) > 1e-9 {
		t.Errorf("expected windowed slope %v, got %v", want, got)
	}
}

func TestEscalatingSeverity(t *testing.T) {
	mk := func(sevs ...int) []Signal {
		out := make([]Signal, len(sevs))
		for i, s := range sevs {
			out[i] = Signal{Severity: s}
		}
		return out
	}

	tests := []struct {
		name string
		sevs []int
		want bool
	}{
		{"strictly rising", []int{1, 2, 3, 4, 5}, true},
		{"exactly 60 percent", []int{1, 2, 3, 4, 2, 1}, true}, // 3 of 5 increases
		{"below 60 percent", []int{1, 2, 1, 2, 1}, false},     // 2 of 4
		{"flat", []int{5, 5, 5, 5}, false},
		{"falling", []int{9, 7, 5, 3}, false},
		{"single", []int{9}, false},
		{"empty", nil, false},
	}

	for _, tt := range tests {
		if got := escalatingSeverity(mk(tt.sevs...)); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestParseRiskLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    RiskLevel
		wantErr bool
	}{
		{"LOW", RiskLow, false},
		{"medium", RiskMedium, false},
		{" High ", RiskHigh, false},
		{"CRITICAL", RiskCritical, false},
		{"SEVERE", RiskLow, true},
		{"", RiskLow, true},
	}

	for _, tt := range tests {
		got, err := ParseRiskLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: expected %s, got %s", tt.in, tt.want, got)
		}
	}
}
