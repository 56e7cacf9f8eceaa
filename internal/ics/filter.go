package ics

import (
	"strings"

	"icssync/internal/model"
)

// DefaultExcludedPrefixes are the title prefixes dropped when no policy is
// configured. Outlook prefixes meetings the user declined with "Declined:".
var DefaultExcludedPrefixes = []string{"Declined:"}

// ExclusionPolicy drops feed events that must never reach the store.
type ExclusionPolicy struct {
	// TitlePrefixes match case-sensitively against the raw title.
	TitlePrefixes []string
	// Titles match exactly.
	Titles []string
}

// Excluded reports whether ev is dropped by the policy, and which rule
// dropped it.
func (p ExclusionPolicy) Excluded(ev model.SourceEvent) (bool, string) {
	for _, prefix := range p.TitlePrefixes {
		if prefix != "" && strings.HasPrefix(ev.Title, prefix) {
			return true, "prefix:" + prefix
		}
	}
	for _, title := range p.Titles {
		if ev.Title == title {
			return true, "title:" + title
		}
	}
	return false, ""
}

// Apply returns the events the policy keeps and the number dropped. The
// input slice is not modified.
func (p ExclusionPolicy) Apply(events []model.SourceEvent) ([]model.SourceEvent, int) {
	kept := make([]model.SourceEvent, 0, len(events))
	dropped := 0
	for _, ev := range events {
		if ok, _ := p.Excluded(ev); ok {
			dropped++
			continue
		}
		kept = append(kept, ev)
	}
	return kept, dropped
}
