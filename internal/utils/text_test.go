package utils

import "testing"

func TestRemoveControlSequences(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no control codes",
			input:    "Hello, world!",
			expected: "Hello, world!",
		},
		{
			name:     "foreground color",
			input:    "\x1b[32mLearning objectives\x1b[0m",
			expected: "Learning objectives",
		},
		{
			name:     "bold and reset",
			input:    "\x1b[1;31mWarning:\x1b[m check units",
			expected: "Warning: check units",
		},
		{
			name:     "cursor movement",
			input:    "\x1b[2K\x1b[1GSlide 1",
			expected: "Slide 1",
		},
		{
			name:     "osc hyperlink",
			input:    "\x1b]8;;https://example.com\x07link\x1b]8;;\x07",
			expected: "link",
		},
		{
			name:     "stray bell and backspace",
			input:    "quiz\x07 time\x08",
			expected: "quiz time",
		},
		{
			name:     "tabs and newlines kept",
			input:    "a\tb\nc",
			expected: "a\tb\nc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RemoveControlSequences(tt.input)
			if result != tt.expected {
				t.Errorf("RemoveControlSequences(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestCleanModelOutput(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "surrounding whitespace",
			input:    "  \n# Title\n\nBody\n\n  ",
			expected: "# Title\n\nBody",
		},
		{
			name:     "windows line endings",
			input:    "# Title\r\n\r\nBody\r\n",
			expected: "# Title\n\nBody",
		},
		{
			name:     "outer markdown fence",
			input:    "```markdown\n# Quiz\n\n1. What is Go?\n```",
			expected: "# Quiz\n\n1. What is Go?",
		},
		{
			name:     "inner fence kept",
			input:    "# Worksheet\n\n```go\nfmt.Println(1)\n```\n\nExplain the output.",
			expected: "# Worksheet\n\n```go\nfmt.Println(1)\n```\n\nExplain the output.",
		},
		{
			name:     "blank line runs collapsed",
			input:    "one\n\n\n\n\ntwo",
			expected: "one\n\ntwo",
		},
		{
			name:     "only control codes",
			input:    "\x1b[0m\x1b[2K",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CleanModelOutput(tt.input)
			if result != tt.expected {
				t.Errorf("CleanModelOutput(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFirstHeading(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"# Intro to Recursion\n\nbody", "Intro to Recursion"},
		{"Preamble\n\n## Slide 1: Base cases ##\n", "Slide 1: Base cases"},
		{"no heading here\n#hashtag", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := FirstHeading(tt.input); got != tt.expected {
			t.Errorf("FirstHeading(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestWordCount(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"", 0},
		{"   ", 0},
		{"one", 1},
		{"one two\tthree\nfour", 4},
		{"  leading and trailing  ", 3},
	}

	for _, tt := range tests {
		if got := WordCount(tt.input); got != tt.expected {
			t.Errorf("WordCount(%q) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}
