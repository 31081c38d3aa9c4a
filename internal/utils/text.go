package utils

import (
	"regexp"
	"strings"
)

var (
	// ANSI escape sequences: CSI (colors, cursor movement) and OSC (titles, hyperlinks).
	// Local models served through terminal wrappers occasionally leak these.
	ansiRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

	// Remaining C0 control characters except tab and newline.
	controlRegex = regexp.MustCompile(`[\x00-\x08\x0B-\x1F\x7F]`)

	// A single fenced block wrapping the entire response, e.g. ```markdown ... ```
	outerFenceRegex = regexp.MustCompile("(?s)^```[a-zA-Z]*\\n(.*)\\n```$")

	headingRegex = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+?)[ \t]*#*[ \t]*$`)

	blankRunRegex = regexp.MustCompile(`\n{3,}`)
)

// RemoveControlSequences removes ANSI escapes and stray control characters.
func RemoveControlSequences(text string) string {
	text = ansiRegex.ReplaceAllString(text, "")
	return controlRegex.ReplaceAllString(text, "")
}

// CleanModelOutput normalizes generated text: line endings, control codes,
// an outer code fence around the whole answer, runs of blank lines and
// surrounding whitespace.
func CleanModelOutput(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = RemoveControlSequences(text)
	text = strings.TrimSpace(text)
	if m := outerFenceRegex.FindStringSubmatch(text); m != nil && !strings.Contains(m[1], "```") {
		text = strings.TrimSpace(m[1])
	}
	text = blankRunRegex.ReplaceAllString(text, "\n\n")
	return text
}

// FirstHeading returns the text of the first markdown heading, or "" if none.
func FirstHeading(text string) string {
	m := headingRegex.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// WordCount counts whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
