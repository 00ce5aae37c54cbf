package window

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		turn Turn
		want float64
	}{
		{"empty", Turn{}, 0},
		{"baseline", Turn{UserText: text(60), AgentText: text(40)}, 1.0},
		{"emotion", Turn{UserText: text(100), EmotionIntensity: 1}, 1.5},
		{"length capped", Turn{UserText: text(500)}, 2.0},
		{"crisis", Turn{UserText: "I feel hopeless " + text(84)}, 2.0},
		{"crisis in reply", Turn{UserText: text(50), AgentText: "Is this an EMERGENCY?" + text(29)}, 2.0},
		{"all weights", Turn{UserText: "Crisis " + text(300), EmotionIntensity: 0.5}, 5.0},
		{"chinese", Turn{UserText: "我很痛苦"}, 0.08},
		{"clamped emotion", Turn{UserText: text(100), EmotionIntensity: 4}, 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.turn), 1e-9)
		})
	}
}

func TestScore_CountsRunes(t *testing.T) {
	ascii := Turn{UserText: strings.Repeat("x", 50)}
	wide := Turn{UserText: strings.Repeat("睡", 50)}
	assert.Equal(t, Score(ascii), Score(wide))
}

func TestCharEstimator(t *testing.T) {
	est := CharEstimator(4)
	assert.Equal(t, 0, est("", ""))
	assert.Equal(t, 1, est("a", ""))
	assert.Equal(t, 1, est("ab", "cd"))
	assert.Equal(t, 2, est("abc", "de"))
	assert.Equal(t, 1, est("睡不着", ""))

	assert.Equal(t, 3, CharEstimator(0)("abc", ""))
}
