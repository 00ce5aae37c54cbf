package window

import "unicode/utf8"

// Estimator returns the token cost of a turn's combined text. A real
// tokenizer can be injected through Config.Estimator without touching the
// eviction or compaction logic.
type Estimator func(userText, agentText string) int

// CharEstimator approximates tokens as ceil(chars / avgCharsPerToken).
func CharEstimator(avgCharsPerToken int) Estimator {
	if avgCharsPerToken <= 0 {
		avgCharsPerToken = 1
	}
	return func(userText, agentText string) int {
		chars := utf8.RuneCountInString(userText) + utf8.RuneCountInString(agentText)
		return (chars + avgCharsPerToken - 1) / avgCharsPerToken
	}
}
