package window

import (
	"math"
	"strings"
)

// CrisisTerms are high-salience words that double a turn's importance.
// The list is maintained here and is independent of any external risk
// detector's vocabulary.
var CrisisTerms = []string{
	"危机", "自杀", "伤害", "紧急", "痛苦", "绝望",
	"crisis", "suicide", "suicidal", "self-harm", "hurt myself",
	"emergency", "hopeless", "despair",
}

// Score computes the importance weight of a turn. It depends only on the
// turn's own text and emotion intensity.
func Score(t Turn) float64 {
	emotion := 1.0 + 0.5*clampUnit(t.EmotionIntensity)

	escalation := 1.0
	if mentionsCrisis(t.UserText) || mentionsCrisis(t.AgentText) {
		escalation = 2.0
	}

	length := math.Min(float64(t.Length())/100.0, 2.0)

	return 1.0 * emotion * escalation * length
}

func mentionsCrisis(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, term := range CrisisTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
