package content

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"
)

const systemPrompt = `You are an experienced instructional designer. You write clear, accurate course materials in Markdown.
Start every document with a single level-one heading. Do not add commentary before or after the material.`

const lessonContext = `Topic: {{.topic}}
Audience: {{.audience}} ({{.difficulty}} level)
Session length: {{.duration}}
Learning objectives:
{{.objectives}}
`

var kindInstructions = map[MaterialKind]string{
	KindSlides: `Create a slide deck for this lesson.
- Separate slides with a line containing only "---".
- Each slide has a "## " heading and at most six bullet points.
- Open with an agenda slide and close with a summary slide that maps back to the objectives.
- Pace the deck to fit the session length.`,

	KindInstructorNotes: `Write instructor notes for teaching this lesson.
- Give a timed outline that fits the session length.
- For each section, list key talking points, likely misconceptions and questions to ask the class.
- End with a short checklist of materials to prepare.`,

	KindWorksheet: `Write a student worksheet for this lesson.
- Include brief instructions at the top.
- Provide 6 to 10 exercises that progress from recall to application.
- Leave a "Answer: ____" line after each exercise.
- Add an answer key in a final "## Answer Key" section.`,

	KindQuiz: `Write an assessment quiz for this lesson.
- Provide 8 to 12 questions mixing multiple choice (four options, labelled A-D), true/false and short answer.
- Every question must target at least one learning objective.
- Add an answer key with one-line explanations in a final "## Answer Key" section.`,

	KindActivityGuide: `Write a guide for a hands-on group activity that reinforces this lesson.
- State the goal, group size, materials and time required.
- Give numbered step-by-step instructions for the facilitator.
- Include debrief questions and one variation for a different group size.`,
}

// templates holds one fixed prompt template per material kind.
var templates = buildTemplates()

func buildTemplates() map[MaterialKind]prompts.PromptTemplate {
	out := make(map[MaterialKind]prompts.PromptTemplate, len(kindInstructions))
	for kind, instructions := range kindInstructions {
		out[kind] = prompts.NewPromptTemplate(
			lessonContext+"\n"+instructions,
			[]string{"topic", "audience", "difficulty", "duration", "objectives"},
		)
	}
	return out
}

// renderPrompt formats the prompt for one material kind.
func renderPrompt(kind MaterialKind, req ContentRequest, difficulty Difficulty) (string, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return "", fmt.Errorf("no prompt template for material kind %q", kind)
	}

	audience := strings.TrimSpace(req.Audience)
	if audience == "" {
		audience = "General audience"
	}
	duration := strings.TrimSpace(req.Duration)
	if duration == "" {
		duration = "not specified"
	}

	return tmpl.Format(map[string]any{
		"topic":      strings.TrimSpace(req.Topic),
		"audience":   audience,
		"difficulty": string(difficulty),
		"duration":   duration,
		"objectives": formatObjectives(req.LearningObjectives),
	})
}

func formatObjectives(objectives []string) string {
	var b strings.Builder
	n := 0
	for _, o := range objectives {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d. %s\n", n, o)
	}
	if n == 0 {
		return "(none specified; derive suitable objectives from the topic)"
	}
	return strings.TrimRight(b.String(), "\n")
}
