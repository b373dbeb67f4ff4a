// Package textdiff computes edit scripts between two plain-text versions of
// a field and classifies them into short human-readable summaries.
package textdiff

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Op labels a diff segment.
type Op int

const (
	OpEqual Op = iota
	OpInsert
	OpDelete
)

// Segment is a contiguous run of text shared, inserted, or deleted between
// two versions.
type Segment struct {
	Op   Op
	Text string
}

// Diff computes the edit script from oldText to newText with semantic
// cleanup, so the result reads as coherent phrases rather than character
// noise. Reassembling equal+delete segments yields oldText exactly;
// equal+insert yields newText exactly. Output is deterministic.
func Diff(oldText, newText string) []Segment {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	segments := make([]Segment, 0, len(diffs))
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		segment := Segment{Text: d.Text}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			segment.Op = OpInsert
		case diffmatchpatch.DiffDelete:
			segment.Op = OpDelete
		default:
			segment.Op = OpEqual
		}
		segments = append(segments, segment)
	}
	return segments
}

// OldText reassembles the pre-edit text from a diff.
func OldText(segments []Segment) string {
	var b []byte
	for _, seg := range segments {
		if seg.Op == OpEqual || seg.Op == OpDelete {
			b = append(b, seg.Text...)
		}
	}
	return string(b)
}

// NewText reassembles the post-edit text from a diff.
func NewText(segments []Segment) string {
	var b []byte
	for _, seg := range segments {
		if seg.Op == OpEqual || seg.Op == OpInsert {
			b = append(b, seg.Text...)
		}
	}
	return string(b)
}
