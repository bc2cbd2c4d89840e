package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kalambet/chatbridge/internal/storage"
)

func turn(role string, at time.Time) storage.Turn {
	return storage.Turn{Role: role, Content: "x", CreatedAt: at}
}

func TestAverageResponseTime(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		turns []storage.Turn
		want  time.Duration
	}{
		{"empty", nil, 0},
		{"no pairs", []storage.Turn{turn(storage.RoleUser, base), turn(storage.RoleUser, base.Add(time.Second))}, 0},
		{
			"two pairs",
			[]storage.Turn{
				turn(storage.RoleUser, base),
				turn(storage.RoleAssistant, base.Add(2 * time.Second)),
				turn(storage.RoleUser, base.Add(10 * time.Second)),
				turn(storage.RoleAssistant, base.Add(14 * time.Second)),
			},
			3 * time.Second,
		},
		{
			"assistant first is ignored",
			[]storage.Turn{
				turn(storage.RoleAssistant, base),
				turn(storage.RoleUser, base.Add(time.Second)),
				turn(storage.RoleAssistant, base.Add(3 * time.Second)),
			},
			2 * time.Second,
		},
		{
			"missing timestamp skipped",
			[]storage.Turn{
				turn(storage.RoleUser, time.Time{}),
				turn(storage.RoleAssistant, base),
			},
			0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AverageResponseTime(tt.turns))
		})
	}
}

func TestSummarize(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	turns := []storage.Turn{
		turn(storage.RoleUser, base),
		turn(storage.RoleAssistant, base.Add(time.Second)),
		turn(storage.RoleUser, base.Add(5 * time.Second)),
	}

	st := Summarize(turns)
	assert.Equal(t, 3, st.Turns)
	assert.Equal(t, 2, st.UserTurns)
	assert.Equal(t, 1, st.AssistantTurns)
	assert.Equal(t, time.Second, st.AverageResponseTime)
	assert.Equal(t, base, st.FirstMessageAt)
	assert.Equal(t, base.Add(5*time.Second), st.LastMessageAt)
}

func TestFormatResponseTime(t *testing.T) {
	assert.Equal(t, "N/A", FormatResponseTime(0))
	assert.Equal(t, "2.5 sec", FormatResponseTime(2500*time.Millisecond))
}
