package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icssync/internal/model"
)

func TestValidate(t *testing.T) {
	start := model.NewInstant(time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC), "UTC")
	end := model.NewInstant(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC), "UTC")

	tests := []struct {
		name  string
		ev    model.SourceEvent
		valid bool
	}{
		{"ok", model.SourceEvent{Title: "A", Start: start, End: end}, true},
		{"zero length", model.SourceEvent{Title: "A", Start: start, End: start}, true},
		{"blank title", model.SourceEvent{Title: "  ", Start: start, End: end}, false},
		{"no start", model.SourceEvent{Title: "A", End: end}, false},
		{"no end", model.SourceEvent{Title: "A", Start: start}, false},
		{"reversed", model.SourceEvent{Title: "A", Start: end, End: start}, false},
		{"good rrule", model.SourceEvent{Title: "A", Start: start, End: end, RRules: []string{"FREQ=DAILY;COUNT=3"}}, true},
		{"bad rrule", model.SourceEvent{Title: "A", Start: start, End: end, RRules: []string{"FREQ=SOMETIMES"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.ev)
			if tt.valid {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}
