package attribution

import (
	"strings"

	"scribe/api/internal/store"
	"scribe/api/internal/textdiff"
)

// Span is a contiguous run of a field's current text tagged with the color
// of the change that most recently introduced it. An empty color is neutral:
// the text predates tracking, was introduced by an AI or system event, or
// could not be attributed unambiguously.
type Span struct {
	Text  string `json:"text"`
	Color string `json:"color"`
}

// minFragment is the shortest inserted fragment worth matching back into the
// current text. Shorter fragments show up everywhere and would mis-tag
// unrelated text.
const minFragment = 3

// ComputeHighlights replays a field's change events in chronological order,
// diffs each event's old_value against its new_value, and tags the inserted
// fragments that survive into currentText with the event author's color.
// Later events override earlier tags, so heavily rewritten spans carry the
// most recent plausible author. This is explicitly approximate: text no
// event introduced stays untagged.
func ComputeHighlights(currentText string, events []store.ChangeEvent, colors map[string]string) []Span {
	if currentText == "" {
		return nil
	}

	tags := make([]string, len(currentText))
	for _, event := range events {
		color := ""
		if event.AuthorID != nil {
			color = colors[*event.AuthorID]
		}
		for _, seg := range textdiff.Diff(event.OldValue, event.NewValue) {
			if seg.Op != textdiff.OpInsert {
				continue
			}
			fragment := strings.TrimSpace(seg.Text)
			if len(fragment) < minFragment {
				continue
			}
			// Tag every surviving occurrence; a nil-author event tags with
			// the empty color, clearing earlier attribution on overwrite.
			for from := 0; ; {
				i := strings.Index(currentText[from:], fragment)
				if i < 0 {
					break
				}
				start := from + i
				for j := start; j < start+len(fragment); j++ {
					tags[j] = color
				}
				from = start + len(fragment)
			}
		}
	}

	var spans []Span
	runStart := 0
	for i := 1; i <= len(currentText); i++ {
		if i == len(currentText) || tags[i] != tags[runStart] {
			spans = append(spans, Span{Text: currentText[runStart:i], Color: tags[runStart]})
			runStart = i
		}
	}
	return spans
}
