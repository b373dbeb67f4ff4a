// Package markup converts rich-text field values into comparable plain text.
package markup

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// blockTags are elements whose boundaries become newlines in the plain-text
// form. Everything else is stripped without a break.
var blockTags = map[string]struct{}{
	"p": {}, "div": {}, "br": {}, "li": {}, "ul": {}, "ol": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"blockquote": {}, "pre": {}, "tr": {}, "table": {},
	"section": {}, "article": {}, "hr": {},
}

// rawTags carry non-content text that must not leak into the result.
var rawTags = map[string]struct{}{
	"script": {}, "style": {},
}

var newlineRuns = regexp.MustCompile(`\n{3,}`)

// Normalize strips markup from a rich-text value: block boundaries become
// newlines, tags are dropped, entities are decoded, NBSP becomes a regular
// space, and the result is trimmed. Plain text passes through unchanged, so
// normalizing twice is a no-op. Malformed markup degrades to tag stripping;
// there is no error path.
func Normalize(value string) string {
	if value == "" {
		return ""
	}

	tokenizer := html.NewTokenizer(strings.NewReader(value))
	var b strings.Builder
	skipDepth := 0

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			// io.EOF or unparseable remainder; keep what we have
			break
		}
		switch tt {
		case html.TextToken:
			if skipDepth == 0 {
				b.WriteString(string(tokenizer.Text()))
			}
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if _, ok := rawTags[tag]; ok {
				if tt == html.StartTagToken {
					skipDepth++
				} else if tt == html.EndTagToken && skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if _, ok := blockTags[tag]; ok {
				b.WriteByte('\n')
			}
		}
	}

	text := strings.ReplaceAll(b.String(), " ", " ")
	text = newlineRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

var whitespaceRuns = regexp.MustCompile(`\s+`)

// Collapse reduces every whitespace run to a single space and trims the ends.
// Used when comparing field versions so whitespace-only edits do not register
// as changes.
func Collapse(text string) string {
	return strings.TrimSpace(whitespaceRuns.ReplaceAllString(text, " "))
}
