// Package content turns course content requests into generated teaching materials.
package content

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaterialKind is a type of teaching material.
type MaterialKind string

const (
	KindSlides          MaterialKind = "slides"
	KindInstructorNotes MaterialKind = "instructor_notes"
	KindWorksheet       MaterialKind = "worksheet"
	KindQuiz            MaterialKind = "quiz"
	KindActivityGuide   MaterialKind = "activity_guide"
)

var materialTitles = map[MaterialKind]string{
	KindSlides:          "Slides",
	KindInstructorNotes: "Instructor Notes",
	KindWorksheet:       "Worksheet",
	KindQuiz:            "Quiz",
	KindActivityGuide:   "Activity Guide",
}

// AllMaterialKinds returns every material kind in display order.
func AllMaterialKinds() []MaterialKind {
	return []MaterialKind{KindSlides, KindInstructorNotes, KindWorksheet, KindQuiz, KindActivityGuide}
}

// ParseMaterialKind accepts the canonical name, hyphenated or spaced variants.
func ParseMaterialKind(s string) (MaterialKind, error) {
	normalized := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	k := MaterialKind(normalized)
	if _, ok := materialTitles[k]; !ok {
		return "", fmt.Errorf("unknown material kind %q", s)
	}
	return k, nil
}

// Title returns the human-readable name of the kind.
func (k MaterialKind) Title() string {
	if t, ok := materialTitles[k]; ok {
		return t
	}
	return string(k)
}

func (k MaterialKind) MarshalText() ([]byte, error) {
	return []byte(k), nil
}

func (k *MaterialKind) UnmarshalText(text []byte) error {
	parsed, err := ParseMaterialKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ContentRequest describes the lesson to generate materials for.
type ContentRequest struct {
	Topic              string         `yaml:"topic" json:"topic" validate:"required"`
	LearningObjectives []string       `yaml:"learning_objectives" json:"learning_objectives"`
	Audience           string         `yaml:"audience" json:"audience"`
	Duration           string         `yaml:"duration" json:"duration"`
	Materials          []MaterialKind `yaml:"materials" json:"materials" validate:"required,min=1"`
}

// Metadata is the lightweight description attached to each generated material.
type Metadata struct {
	WordCount         int        `json:"word_count"`
	EstimatedDuration string     `json:"estimated_duration,omitempty"`
	Difficulty        Difficulty `json:"difficulty"`
	Provider          string     `json:"provider,omitempty"`
	Model             string     `json:"model,omitempty"`
	TokensUsed        int        `json:"tokens_used"`
}

// GeneratedContent is one rendered material.
type GeneratedContent struct {
	ID        uuid.UUID    `json:"id"`
	Kind      MaterialKind `json:"kind"`
	Title     string       `json:"title"`
	Content   string       `json:"content"`
	Metadata  Metadata     `json:"metadata"`
	CreatedAt time.Time    `json:"created_at"`
}
