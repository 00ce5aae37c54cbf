package window

import "math"

// Stats is a point-in-time view of a buffer's budget usage.
type Stats struct {
	TotalTurns      int     `json:"total_turns"`
	TotalTokens     int     `json:"total_tokens"`
	CompressedTurns int     `json:"compressed_turns"`
	AvailableTokens int     `json:"available_tokens"`
	MaxTokens       int     `json:"max_tokens"`
	UtilizationRate float64 `json:"utilization_rate"`
	OverBudget      bool    `json:"over_budget"`
}

// Statistics reports turn and token counts. UtilizationRate is a
// percentage clamped to 100 and rounded to two decimals; it is 0 when the
// buffer is empty or the available budget is not positive.
func (b *Buffer) Statistics() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	available := b.cfg.AvailableTokens()
	st := Stats{
		AvailableTokens: available,
		MaxTokens:       b.cfg.MaxTokens,
	}
	if b.store.len() == 0 {
		return st
	}

	st.TotalTurns = b.store.len()
	st.TotalTokens = b.totalTokens()
	st.CompressedTurns = b.store.summaryCount()
	st.OverBudget = st.TotalTokens > available
	st.UtilizationRate = utilization(st.TotalTokens, available)
	return st
}

func utilization(total, available int) float64 {
	if available <= 0 {
		return 0
	}
	ratio := math.Min(float64(total)/float64(available), 1.0)
	return math.Round(ratio*100*100) / 100
}
