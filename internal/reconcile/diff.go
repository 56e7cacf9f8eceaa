package reconcile

import (
	"strings"
	"unicode/utf8"

	"icssync/internal/model"
	"icssync/internal/recurrence"
	"icssync/internal/temporal"
)

// DefaultDescriptionLimit is the description length, in characters, at
// which the store truncates.
const DefaultDescriptionLimit = 8000

// Field names reported by Diff.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldLocation    = "location"
	FieldStart       = "start"
	FieldEnd         = "end"
	FieldRecurrence  = "recurrence"
)

// Differ decides whether a matched target event needs rewriting.
type Differ struct {
	// DescriptionLimit is the store's description truncation threshold.
	// Zero means DefaultDescriptionLimit.
	DescriptionLimit int
}

// FieldsFor builds the full field set to write for a source event.
func FieldsFor(src model.SourceEvent) (model.EventFields, error) {
	start, err := temporal.Canonicalize(src.Start, src.AllDay)
	if err != nil {
		return model.EventFields{}, err
	}
	end, err := temporal.Canonicalize(src.End, src.AllDay)
	if err != nil {
		return model.EventFields{}, err
	}
	return model.EventFields{
		Title:       src.Title,
		Description: src.Description,
		Location:    src.Location,
		Start:       start,
		End:         end,
		AllDay:      src.AllDay,
		Recurrence:  recurrence.Build(src.RRules, src.ExDates, src.AllDay),
	}, nil
}

// Diff compares target against source. When any field differs it returns
// true, the complete replacement field set and the names of the fields that
// differ. Neither argument is modified.
func (d Differ) Diff(target model.TargetEvent, source model.SourceEvent) (bool, model.EventFields, []string, error) {
	want, err := FieldsFor(source)
	if err != nil {
		return false, model.EventFields{}, nil, err
	}

	var changed []string
	if target.Title != want.Title {
		changed = append(changed, FieldTitle)
	}
	if d.descriptionChanged(target.Description, want.Description) {
		changed = append(changed, FieldDescription)
	}
	if locationChanged(target.Location, want.Location) {
		changed = append(changed, FieldLocation)
	}
	// Equal covers both the instant (or date) and the carried zone.
	if !want.Start.Equal(target.Start) {
		changed = append(changed, FieldStart)
	}
	if !want.End.Equal(target.End) {
		changed = append(changed, FieldEnd)
	}
	if !recurrence.Equal(target.Recurrence, want.Recurrence, want.AllDay) {
		changed = append(changed, FieldRecurrence)
	}

	if len(changed) == 0 {
		return false, model.EventFields{}, nil, nil
	}
	return true, want, changed, nil
}

// descriptionChanged treats a target description that is a prefix of the
// source one and at least the store's limit long as unchanged: the store
// truncated it, and rewriting it would only truncate it again.
func (d Differ) descriptionChanged(target, source string) bool {
	if target == source {
		return false
	}
	limit := d.DescriptionLimit
	if limit <= 0 {
		limit = DefaultDescriptionLimit
	}
	if target != "" && strings.HasPrefix(source, target) && utf8.RuneCountInString(target) >= limit {
		return false
	}
	return true
}

// locationChanged only reports a change when one side is blank and the
// other is not. A change between two non-blank values is ignored; this is
// long-standing behaviour pending product clarification.
func locationChanged(target, source string) bool {
	if target == source {
		return false
	}
	return isBlank(target) != isBlank(source)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
