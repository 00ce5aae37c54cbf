package window

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

// scenarioConfig leaves 800 tokens (3200 chars) for dialogue.
func scenarioConfig() Config {
	return Config{
		MaxTokens:            1000,
		AvgCharsPerToken:     4,
		PreserveSystemPrompt: true,
		ReservedSystemTokens: 200,
	}
}

func newTestBuffer(t *testing.T, cfg Config, opts ...Option) *Buffer {
	t.Helper()
	clock := testEpoch
	opts = append([]Option{WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})}, opts...)
	b, err := New(cfg, opts...)
	require.NoError(t, err)
	return b
}

func text(n int) string {
	return strings.Repeat("a", n)
}

func TestNew_InvalidConfig(t *testing.T) {
	cases := map[string]Config{
		"zero max tokens":     {MaxTokens: 0, AvgCharsPerToken: 4},
		"negative max tokens": {MaxTokens: -10, AvgCharsPerToken: 4},
		"zero chars/token":    {MaxTokens: 100, AvgCharsPerToken: 0},
		"negative reserve":    {MaxTokens: 100, AvgCharsPerToken: 4, ReservedSystemTokens: -1},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := New(cfg)
			require.Error(t, err)
			assert.Nil(t, b)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 128000, cfg.MaxTokens)
	assert.Equal(t, 127800, cfg.AvailableTokens())

	cfg.PreserveSystemPrompt = false
	assert.Equal(t, 128000, cfg.AvailableTokens())
}

func TestAddTurn_UnderBudget(t *testing.T) {
	b := newTestBuffer(t, scenarioConfig())

	for _, emotion := range []float64{0.3, 0.4, 0.5, 0.6, 0.7} {
		b.AddTurn(TurnInput{
			UserText:         text(200),
			AgentText:        text(300),
			EmotionIntensity: emotion,
		})
	}

	st := b.Statistics()
	assert.Equal(t, 5, st.TotalTurns)
	assert.Equal(t, 0, st.CompressedTurns)
	assert.Equal(t, 625, st.TotalTokens)
	assert.False(t, st.OverBudget)

	for i, turn := range b.Turns() {
		assert.Equal(t, i+1, turn.ID)
	}
}

func TestAddTurn_EvictsLowestImportanceFirst(t *testing.T) {
	var evicted []int
	b := newTestBuffer(t, scenarioConfig(), WithHooks(Hooks{
		OnEvict: func(n int) { evicted = append(evicted, n) },
		OnCompact: func(int) {
			t.Fatal("compaction should not run")
		},
	}))

	// 250 tokens each; the fourth turn pushes the total to 1000.
	b.AddTurn(TurnInput{UserText: "first " + text(994), EmotionIntensity: 0.9})
	b.AddTurn(TurnInput{UserText: "second " + text(993), EmotionIntensity: 0.1})
	b.AddTurn(TurnInput{UserText: "third " + text(994), EmotionIntensity: 0.5})
	b.AddTurn(TurnInput{UserText: "fourth " + text(993), EmotionIntensity: 0.5})

	assert.Equal(t, []int{1}, evicted)

	turns := b.Turns()
	require.Len(t, turns, 3)
	assert.True(t, strings.HasPrefix(turns[0].UserText, "first "))
	assert.True(t, strings.HasPrefix(turns[1].UserText, "third "))
	assert.True(t, strings.HasPrefix(turns[2].UserText, "fourth "))
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.ID)
	}

	st := b.Statistics()
	assert.Equal(t, 750, st.TotalTokens)
	assert.LessOrEqual(t, st.TotalTokens, st.AvailableTokens)
}

func TestAddTurn_EvictionTieBreaksOnOldest(t *testing.T) {
	b := newTestBuffer(t, Config{MaxTokens: 100, AvgCharsPerToken: 1})

	for _, name := range []string{"a", "b", "c", "d"} {
		b.AddTurn(TurnInput{UserText: name + text(39)})
	}

	// 4 x 40 tokens over a 100-token budget: the two oldest go.
	turns := b.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, byte('c'), turns[0].UserText[0])
	assert.Equal(t, byte('d'), turns[1].UserText[0])
}

func TestAddTurn_CompactsWhenEvictionCannotFit(t *testing.T) {
	var folded []int
	b := newTestBuffer(t, scenarioConfig(), WithHooks(Hooks{
		OnEvict:   func(int) { t.Fatal("eviction should be abandoned") },
		OnCompact: func(n int) { folded = append(folded, n) },
	}))

	b.AddTurn(TurnInput{UserText: "hello", AgentText: "hi there", EmotionIntensity: 0.8, Keywords: []string{"greeting"}})
	b.AddTurn(TurnInput{UserText: "work is hard", AgentText: "tell me more", EmotionIntensity: 0.6, Keywords: []string{"work", "stress"}})
	b.AddTurn(TurnInput{UserText: "my manager", AgentText: "go on", Keywords: []string{"work"}})
	for i := 0; i < 3; i++ {
		b.AddTurn(TurnInput{UserText: text(4000), AgentText: "ok"})
	}

	turns := b.Turns()
	require.Len(t, turns, 4)
	assert.Equal(t, SummaryUserText, turns[0].UserText)
	assert.Equal(t, SummaryID, turns[0].ID)
	assert.Equal(t, SummaryImportance, turns[0].Importance)
	assert.Zero(t, turns[0].EmotionIntensity)
	for i, turn := range turns[1:] {
		assert.Equal(t, i+1, turn.ID)
	}
	assert.Equal(t, []int{1, 2, 2}, folded)

	st := b.Statistics()
	assert.Equal(t, 4, st.TotalTurns)
	assert.Equal(t, 1, st.CompressedTurns)
	assert.True(t, st.OverBudget)
	assert.Equal(t, 100.0, st.UtilizationRate)
}

func TestAddTurn_SummaryContent(t *testing.T) {
	b := newTestBuffer(t, Config{MaxTokens: 60, AvgCharsPerToken: 1})

	b.AddTurn(TurnInput{UserText: "a", EmotionIntensity: 0.9, Keywords: []string{"sleep", "work"}})
	b.AddTurn(TurnInput{UserText: "b", EmotionIntensity: 0.7, Keywords: []string{"work", "family"}})
	b.AddTurn(TurnInput{UserText: "c"})
	b.AddTurn(TurnInput{UserText: "d"})
	b.AddTurn(TurnInput{UserText: text(60)})

	turns := b.Turns()
	require.Len(t, turns, 4)
	summary := turns[0]
	require.True(t, summary.IsSummary())
	assert.Equal(t, []string{"sleep", "work", "family"}, summary.Keywords)
	assert.Equal(t, testEpoch.Add(time.Minute), summary.CreatedAt)
	assert.Contains(t, summary.AgentText, "2 turns")
	assert.Contains(t, summary.AgentText, "sleep, work, family")
	assert.Contains(t, summary.AgentText, "positive")
	assert.Equal(t, "c", turns[1].UserText)
}

func TestSummarize_KeywordCapAndSentiment(t *testing.T) {
	early := []Turn{
		{EmotionIntensity: 0.5, Keywords: []string{"a", "b", "c"}},
		{EmotionIntensity: 0.5, Keywords: []string{"c", "", "d", "e", "f", "g"}},
	}
	s := summarize(early)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, s.Keywords)
	assert.Contains(t, s.AgentText, "negative")

	empty := summarize([]Turn{{}, {}})
	assert.Empty(t, empty.Keywords)
	assert.NotNil(t, empty.Keywords)
	assert.Contains(t, empty.AgentText, "none")
}

func TestAddTurn_RecompactionFoldsPriorSummary(t *testing.T) {
	b := newTestBuffer(t, Config{MaxTokens: 60, AvgCharsPerToken: 1})

	for _, s := range []string{"a", "b", "c", "d"} {
		b.AddTurn(TurnInput{UserText: s, Keywords: []string{s}})
	}
	b.AddTurn(TurnInput{UserText: text(60)})
	b.AddTurn(TurnInput{UserText: text(60)})

	turns := b.Turns()
	require.Len(t, turns, 4)
	require.True(t, turns[0].IsSummary())
	assert.Contains(t, turns[0].AgentText, "2 turns")
	// keywords of the first summary carry over into the second.
	assert.Equal(t, []string{"a", "b", "c"}, turns[0].Keywords)
	assert.Equal(t, "d", turns[1].UserText)
}

func TestAddTurn_SmallBuffersStayOverBudget(t *testing.T) {
	b := newTestBuffer(t, Config{MaxTokens: 10, AvgCharsPerToken: 1})

	b.AddTurn(TurnInput{UserText: text(50)})
	b.AddTurn(TurnInput{UserText: text(50)})
	assert.Equal(t, 2, b.Len())
	assert.True(t, b.Statistics().OverBudget)

	b.AddTurn(TurnInput{UserText: text(50)})
	assert.Equal(t, 2, b.Len())
	for i, turn := range b.Turns() {
		assert.Equal(t, i+1, turn.ID)
	}
}

func TestAddTurn_CopiesAndClamps(t *testing.T) {
	b := newTestBuffer(t, scenarioConfig())

	kw := []string{"sleep"}
	b.AddTurn(TurnInput{UserText: "hi", EmotionIntensity: 3})
	b.AddTurn(TurnInput{UserText: "hi", EmotionIntensity: -1, Keywords: kw})
	kw[0] = "mutated"

	turns := b.Turns()
	assert.Equal(t, 1.0, turns[0].EmotionIntensity)
	assert.Equal(t, 0.0, turns[1].EmotionIntensity)
	assert.NotNil(t, turns[0].Keywords)
	assert.Equal(t, []string{"sleep"}, turns[1].Keywords)

	turns[1].Keywords[0] = "changed"
	assert.Equal(t, []string{"sleep"}, b.Turns()[1].Keywords)
}

func TestClear(t *testing.T) {
	b := newTestBuffer(t, scenarioConfig())
	b.AddTurn(TurnInput{UserText: "hi"})
	b.Clear()

	assert.Zero(t, b.Len())
	assert.Equal(t, "", b.FormattedContext(0))

	b.AddTurn(TurnInput{UserText: "again"})
	assert.Equal(t, 1, b.Turns()[0].ID)
}

func TestLoad(t *testing.T) {
	b := newTestBuffer(t, scenarioConfig())
	b.Load([]Turn{
		{ID: SummaryID, UserText: SummaryUserText, AgentText: "earlier", Importance: SummaryImportance},
		{ID: 7, UserText: "x", Importance: 0.3, CreatedAt: testEpoch},
		{ID: SummaryID, UserText: "stray summary"},
		{ID: 9, UserText: "y", Importance: 0.4},
	})

	turns := b.Turns()
	require.Len(t, turns, 3)
	assert.True(t, turns[0].IsSummary())
	assert.Equal(t, 1, turns[1].ID)
	assert.Equal(t, 0.3, turns[1].Importance)
	assert.Equal(t, testEpoch, turns[1].CreatedAt)
	assert.Equal(t, 2, turns[2].ID)

	b.AddTurn(TurnInput{UserText: "z"})
	assert.Equal(t, 3, b.Turns()[3].ID)
}

func TestCustomEstimator(t *testing.T) {
	cfg := Config{
		MaxTokens:        5,
		AvgCharsPerToken: 4,
		Estimator: func(_, _ string) int {
			return 2
		},
	}
	b := newTestBuffer(t, cfg)
	for i := 0; i < 4; i++ {
		b.AddTurn(TurnInput{UserText: text(1000)})
	}
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 4, b.Statistics().TotalTokens)
}
