package history

import (
	"fmt"
	"time"

	"github.com/kalambet/chatbridge/internal/storage"
)

// Stats summarizes one conversation.
type Stats struct {
	Turns               int
	UserTurns           int
	AssistantTurns      int
	AverageResponseTime time.Duration
	FirstMessageAt      time.Time
	LastMessageAt       time.Time
}

// Summarize computes Stats for turns given in chronological order.
func Summarize(turns []storage.Turn) Stats {
	st := Stats{Turns: len(turns)}
	for _, t := range turns {
		switch t.Role {
		case storage.RoleUser:
			st.UserTurns++
		case storage.RoleAssistant:
			st.AssistantTurns++
		}
	}
	if len(turns) > 0 {
		st.FirstMessageAt = turns[0].CreatedAt
		st.LastMessageAt = turns[len(turns)-1].CreatedAt
	}
	st.AverageResponseTime = AverageResponseTime(turns)
	return st
}

// AverageResponseTime is the mean delay between a user turn and the
// assistant turn that immediately follows it. Pairs without timestamps or
// with a negative delay are ignored. Returns 0 when there are no pairs.
func AverageResponseTime(turns []storage.Turn) time.Duration {
	var total time.Duration
	var pairs int
	for i := 1; i < len(turns); i++ {
		prev, cur := turns[i-1], turns[i]
		if prev.Role != storage.RoleUser || cur.Role != storage.RoleAssistant {
			continue
		}
		if prev.CreatedAt.IsZero() || cur.CreatedAt.IsZero() {
			continue
		}
		d := cur.CreatedAt.Sub(prev.CreatedAt)
		if d < 0 {
			continue
		}
		total += d
		pairs++
	}
	if pairs == 0 {
		return 0
	}
	return total / time.Duration(pairs)
}

// FormatResponseTime renders d in seconds with one decimal, or "N/A" for 0.
func FormatResponseTime(d time.Duration) string {
	if d == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.1f sec", d.Seconds())
}
