package window

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// candidate is an evictable turn, remembered by position.
type candidate struct {
	pos        int
	importance float64
	tokens     int
}

// totalTokens sums the estimates of every held turn, summary included.
func (b *Buffer) totalTokens() int {
	total := 0
	for _, t := range b.store.turns {
		total += b.estimate(t.UserText, t.AgentText)
	}
	return total
}

// reconcile brings the sequence back under the available budget, first by
// evicting low-importance turns and then by folding early turns into a
// summary. Caller must hold the write lock.
func (b *Buffer) reconcile() {
	available := b.cfg.AvailableTokens()
	total := b.totalTokens()
	if total <= available {
		return
	}

	if evicted, after := b.evict(total, available); evicted > 0 {
		b.logger.Debug("evicted low-importance turns",
			zap.Int("evicted", evicted),
			zap.Int("tokens_before", total),
			zap.Int("tokens_after", after),
			zap.Int("available", available),
		)
		if b.hooks.OnEvict != nil {
			b.hooks.OnEvict(evicted)
		}
		total = after
	}

	if total <= available || b.store.len() <= compactionFloor {
		return
	}

	folded := b.compact()
	b.logger.Info("compacted early turns into summary",
		zap.Int("folded", folded),
		zap.Int("tokens_before", total),
		zap.Int("tokens_after", b.totalTokens()),
		zap.Int("available", available),
	)
	if b.hooks.OnCompact != nil {
		b.hooks.OnCompact(folded)
	}
}

// evict removes the lowest-importance turns outside the protected tail
// until the total fits. When even removing every candidate would not fit
// and compaction can still run, nothing is removed. Returns the number of
// turns removed and the resulting total.
func (b *Buffer) evict(total, available int) (int, int) {
	n := b.store.len()
	if n <= evictionFloor {
		return 0, total
	}

	ranked := make([]candidate, 0, n-evictionFloor)
	for pos, t := range b.store.turns[:n-evictionFloor] {
		ranked = append(ranked, candidate{
			pos:        pos,
			importance: t.Importance,
			tokens:     b.estimate(t.UserText, t.AgentText),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].importance < ranked[j].importance
	})

	drop := make(map[int]bool, len(ranked))
	remaining := total
	for _, c := range ranked {
		if remaining <= available {
			break
		}
		drop[c.pos] = true
		remaining -= c.tokens
	}

	if remaining > available && n > compactionFloor {
		return 0, total
	}

	removed := b.store.filter(drop)
	if removed > 0 {
		b.store.renumber()
	}
	return removed, remaining
}

// compact folds all but the last compactionFloor turns into one summary
// turn placed at the head. Returns the number of turns folded.
func (b *Buffer) compact() int {
	n := b.store.len()
	if n <= compactionFloor {
		return 0
	}

	early := b.store.turns[:n-compactionFloor]
	summary := summarize(early)

	next := make([]Turn, 0, compactionFloor+1)
	next = append(next, summary)
	next = append(next, b.store.turns[n-compactionFloor:]...)

	b.store.replace(next)
	b.store.renumber()
	return len(early)
}

// summarize builds the summary turn standing in for early.
func summarize(early []Turn) Turn {
	keywords := make([]string, 0, maxSummaryKeywords)
	seen := make(map[string]bool)
	emotion := 0.0
	for _, t := range early {
		emotion += t.EmotionIntensity
		for _, kw := range t.Keywords {
			if len(keywords) == maxSummaryKeywords {
				break
			}
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			keywords = append(keywords, kw)
		}
	}

	sentiment := "negative"
	if len(early) > 0 && emotion/float64(len(early)) > 0.5 {
		sentiment = "positive"
	}

	topics := "none"
	if len(keywords) > 0 {
		topics = strings.Join(keywords, ", ")
	}

	summary := Turn{
		ID:         SummaryID,
		UserText:   SummaryUserText,
		AgentText:  fmt.Sprintf("Earlier conversation (%d turns) covered: %s. Overall sentiment: %s.", len(early), topics, sentiment),
		Importance: SummaryImportance,
		Keywords:   keywords,
	}
	if len(early) > 0 {
		summary.CreatedAt = early[0].CreatedAt
	}
	return summary
}
