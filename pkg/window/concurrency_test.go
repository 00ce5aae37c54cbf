package window

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// consistent reports whether turns has the shape every mutation leaves
// behind: at most one summary, at the head, and real ids 1..n.
func consistent(turns []Turn) bool {
	next := 1
	for i, t := range turns {
		if t.IsSummary() {
			if i != 0 {
				return false
			}
			continue
		}
		if t.ID != next {
			return false
		}
		next++
	}
	return true
}

func TestBuffer_ReadersSeeConsistentSnapshots(t *testing.T) {
	b, err := New(scenarioConfig())
	require.NoError(t, err)

	const writes = 200
	done := make(chan struct{})
	var readers sync.WaitGroup
	var bad sync.Map

	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}

				if turns := b.Turns(); !consistent(turns) {
					bad.Store("turns", ids(turns))
				}
				stats := b.Statistics()
				if stats.CompressedTurns > 1 || stats.CompressedTurns > stats.TotalTurns {
					bad.Store("stats", stats)
				}
				ctx := b.FormattedContext(0)
				if strings.Count(ctx, summaryPrefix) > 1 {
					bad.Store("context", ctx)
				}
			}
		}()
	}

	for i := 0; i < writes; i++ {
		b.AddTurn(TurnInput{
			UserText:         text(100 + (i%7)*150),
			AgentText:        text(50),
			EmotionIntensity: float64(i%10) / 10,
			Keywords:         []string{"k"},
		})
	}
	close(done)
	readers.Wait()

	bad.Range(func(key, value any) bool {
		t.Errorf("inconsistent %v observed: %v", key, value)
		return true
	})

	stats := b.Statistics()
	assert.LessOrEqual(t, stats.TotalTokens, stats.AvailableTokens)
	assert.True(t, consistent(b.Turns()))
}
