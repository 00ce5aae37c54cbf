// Package window provides a bounded conversational context buffer. Turns
// are scored on insertion, evicted by importance when the token budget is
// exceeded, and compacted into a single summary turn when eviction alone
// cannot bring the window back under budget.
package window

import (
	"math"
	"time"
	"unicode/utf8"
)

// SummaryID is the reserved turn id of a compacted summary turn.
const SummaryID = 0

const (
	// SummaryUserText is the fixed user text of a summary turn.
	SummaryUserText = "[history summary]"

	// SummaryImportance is the fixed importance of a summary turn.
	SummaryImportance = 0.5

	// evictionFloor is the protected tail during eviction.
	evictionFloor = 2

	// compactionFloor is the protected tail during compaction.
	compactionFloor = 3

	// maxSummaryKeywords caps the keywords carried into a summary.
	maxSummaryKeywords = 5
)

// Turn is one exchange (user input plus response) or a compacted summary.
type Turn struct {
	ID               int       `json:"id"`
	UserText         string    `json:"user_text"`
	AgentText        string    `json:"agent_text"`
	CreatedAt        time.Time `json:"created_at"`
	Importance       float64   `json:"importance_score"`
	EmotionIntensity float64   `json:"emotion_intensity"`
	Keywords         []string  `json:"keywords"`
}

// TurnInput is the caller-supplied part of a turn. Zero values are valid:
// empty text, emotion intensity 0 and no keywords.
type TurnInput struct {
	UserText         string   `json:"user_text"`
	AgentText        string   `json:"agent_text"`
	EmotionIntensity float64  `json:"emotion_intensity"`
	Keywords         []string `json:"keywords,omitempty"`
}

// IsSummary reports whether t is a compacted summary turn.
func (t Turn) IsSummary() bool {
	return t.ID == SummaryID
}

// Length returns the combined character count of both texts.
func (t Turn) Length() int {
	return utf8.RuneCountInString(t.UserText) + utf8.RuneCountInString(t.AgentText)
}

func (t Turn) clone() Turn {
	c := t
	c.Keywords = cloneKeywords(t.Keywords)
	return c
}

func cloneKeywords(kw []string) []string {
	out := make([]string, len(kw))
	copy(out, kw)
	return out
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
