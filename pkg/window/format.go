package window

import (
	"fmt"
	"strings"
)

const (
	summaryPrefix = "[summary] "
	turnSeparator = "\n\n"
	dateLayout    = "2006-01-02"
)

// FormattedContext renders the last maxTurns turns in sequence order for
// prompt assembly. maxTurns <= 0 renders every turn. An empty buffer
// renders as "".
func (b *Buffer) FormattedContext(maxTurns int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.store.len()
	if n == 0 {
		return ""
	}
	from := 0
	if maxTurns > 0 && maxTurns < n {
		from = n - maxTurns
	}

	var sb strings.Builder
	for i, t := range b.store.turns[from:] {
		if i > 0 {
			sb.WriteString(turnSeparator)
		}
		writeTurn(&sb, t)
	}
	return sb.String()
}

func writeTurn(sb *strings.Builder, t Turn) {
	if t.IsSummary() {
		sb.WriteString(summaryPrefix)
		sb.WriteString(t.AgentText)
		return
	}
	fmt.Fprintf(sb, "Turn %d (%s):\nUser: %s\nCounselor: %s",
		t.ID, t.CreatedAt.Format(dateLayout), t.UserText, t.AgentText)
}
