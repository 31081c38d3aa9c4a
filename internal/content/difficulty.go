package content

import "strings"

// Difficulty is the level inferred from the audience description.
type Difficulty string

const (
	Beginner     Difficulty = "beginner"
	Intermediate Difficulty = "intermediate"
	Advanced     Difficulty = "advanced"
)

var (
	beginnerMarkers = []string{"beginner", "elementary", "introductory"}
	advancedMarkers = []string{"advanced", "expert", "graduate"}
)

// InferDifficulty classifies an audience by case-insensitive keyword match.
// Beginner markers win over advanced ones.
func InferDifficulty(audience string) Difficulty {
	a := strings.ToLower(audience)
	for _, m := range beginnerMarkers {
		if strings.Contains(a, m) {
			return Beginner
		}
	}
	for _, m := range advancedMarkers {
		if strings.Contains(a, m) {
			return Advanced
		}
	}
	return Intermediate
}
