package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferDifficulty(t *testing.T) {
	tests := []struct {
		audience string
		want     Difficulty
	}{
		{"Introductory programming for beginners", Beginner},
		{"Graduate seminar", Advanced},
		{"General public", Intermediate},
		{"ELEMENTARY school teachers", Beginner},
		{"Expert practitioners", Advanced},
		{"advanced placement students", Advanced},
		{"", Intermediate},
		{"Beginner-friendly workshop for graduate students", Beginner},
	}

	for _, tt := range tests {
		t.Run(tt.audience, func(t *testing.T) {
			assert.Equal(t, tt.want, InferDifficulty(tt.audience))
		})
	}
}

func TestParseMaterialKind(t *testing.T) {
	for _, in := range []string{"instructor_notes", "Instructor Notes", "instructor-notes"} {
		k, err := ParseMaterialKind(in)
		assert.NoError(t, err, in)
		assert.Equal(t, KindInstructorNotes, k)
	}

	_, err := ParseMaterialKind("podcast")
	assert.Error(t, err)

	assert.Equal(t, "Activity Guide", KindActivityGuide.Title())
}
