package model

// IntentKind tags a mutation intent.
type IntentKind string

const (
	IntentCreate IntentKind = "create"
	IntentUpdate IntentKind = "update"
	IntentDelete IntentKind = "delete"
)

// Intent is one mutation the dispatcher must apply to the target store.
// Intents are values: they carry no cross-dependencies and may be executed
// in any order.
type Intent struct {
	Kind IntentKind

	// Key is the match key that produced the intent.
	Key string

	// TargetID is set for update and delete.
	TargetID string

	// Source is set for create.
	Source *SourceEvent

	// Fields is the replacement field set for create and update.
	Fields EventFields
}

func NewCreate(key string, src SourceEvent, fields EventFields) Intent {
	s := src
	return Intent{Kind: IntentCreate, Key: key, Source: &s, Fields: fields}
}

func NewUpdate(key, targetID string, fields EventFields) Intent {
	return Intent{Kind: IntentUpdate, Key: key, TargetID: targetID, Fields: fields}
}

func NewDelete(key, targetID string) Intent {
	return Intent{Kind: IntentDelete, Key: key, TargetID: targetID}
}

// Title returns the title to show for the intent in logs and reports.
func (i Intent) Title() string {
	if i.Kind == IntentDelete {
		return titleFromKey(i.Key)
	}
	return i.Fields.Title
}

func titleFromKey(key string) string {
	// Titles may contain '|' themselves; the two time components never do.
	n := 0
	for j := len(key) - 1; j >= 0; j-- {
		if key[j] == '|' {
			n++
			if n == 2 {
				return key[:j]
			}
		}
	}
	return key
}
