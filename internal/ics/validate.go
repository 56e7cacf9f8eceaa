package ics

import (
	"errors"
	"fmt"
	"strings"

	"github.com/teambition/rrule-go"

	"icssync/internal/model"
)

// ErrInvalidEvent wraps every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// Validate rejects events the reconciliation engine must never see.
func Validate(ev model.SourceEvent) error {
	if strings.TrimSpace(ev.Title) == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidEvent)
	}
	if ev.Start.IsZero() {
		return fmt.Errorf("%w: %q has no start", ErrInvalidEvent, ev.Title)
	}
	if ev.End.IsZero() {
		return fmt.Errorf("%w: %q has no end", ErrInvalidEvent, ev.Title)
	}
	if ev.End.Instant().Before(ev.Start.Instant()) {
		return fmt.Errorf("%w: %q ends before it starts", ErrInvalidEvent, ev.Title)
	}
	for _, raw := range ev.RRules {
		if _, err := rrule.StrToROption(raw); err != nil {
			return fmt.Errorf("%w: %q has unusable RRULE %q: %v", ErrInvalidEvent, ev.Title, raw, err)
		}
	}
	return nil
}
