package textdiff

import (
	"scribe/api/internal/markup"
)

// Change summaries shown in the history panel.
const (
	SummaryAdded   = "Added content"
	SummaryRemoved = "Removed content"
	SummaryEdited  = "Edited content"
	SummaryUpdated = "Updated content"
)

// Classify turns a pair of plain-text versions into a short summary label.
// Callers normally check equality first; identical inputs fall through to
// the "Updated content" fallback rather than failing.
func Classify(oldText, newText string) string {
	if oldText == "" && newText != "" {
		return SummaryAdded
	}
	if oldText != "" && newText == "" {
		return SummaryRemoved
	}

	var hasInsert, hasDelete bool
	for _, seg := range Diff(oldText, newText) {
		switch seg.Op {
		case OpInsert:
			hasInsert = true
		case OpDelete:
			hasDelete = true
		}
	}
	switch {
	case hasInsert && hasDelete:
		return SummaryEdited
	case hasInsert:
		return SummaryAdded
	case hasDelete:
		return SummaryRemoved
	}
	return SummaryUpdated
}

// ChangedFields reports which tracked fields differ between two versions of
// a field container. Values are raw markup; both sides are normalized and
// whitespace-collapsed before comparing, so markup-only and whitespace-only
// edits do not count as changes.
func ChangedFields(oldValues, newValues map[string]string, tracked []string) []string {
	var changed []string
	for _, field := range tracked {
		before := markup.Collapse(markup.Normalize(oldValues[field]))
		after := markup.Collapse(markup.Normalize(newValues[field]))
		if before != after {
			changed = append(changed, field)
		}
	}
	return changed
}
