package detect

import (
	"context"
	"time"
)

// PatternModel classifies a message into a 5-way severity-bucket
// probability distribution. The model architecture is not part of the
// contract, only this input/output shape; implementations are
// swappable and may be absent entirely (the engine then skips the
// pattern stage).
type PatternModel interface {
	Classify(ctx context.Context, text string) ([5]float64, error)
}

// patternThreshold is the minimum top-bucket probability for a PATTERN
// signal to be emitted.
const patternThreshold = 0.7

// patternSignal converts a probability distribution into a signal when
// the top bucket clears the threshold: severity = (bucket+1)*2,
// confidence = top probability.
func patternSignal(probs [5]float64, at time.Time) (Signal, bool) {
	top := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[top] {
			top = i
		}
	}
	if probs[top] <= patternThreshold {
		return Signal{}, false
	}

	return Signal{
		Type:       SignalPattern,
		Severity:   (top + 1) * 2,
		Confidence: clampFloat(probs[top], 0, 1),
		Indicators: []string{"pattern classifier"},
		At:         at,
	}, true
}
