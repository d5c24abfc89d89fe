package prompts

import (
	"sort"
	"strings"
	"unicode"

	"github.com/pavelanni/mirror/internal/model"
)

// TaskPreamble opens the user-role message that carries the transcript.
const TaskPreamble = "Here are the user's answers to the test. Analyze them and return JSON."

// FormatAnswers renders the answered questions as a transcript in ascending
// display order. Unanswered and option-less questions are skipped. An option
// id that matches no option is emitted as-is.
func FormatAnswers(questions []model.Question, answers map[string]string) string {
	ordered := make([]model.Question, len(questions))
	copy(ordered, questions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order < ordered[j].Order
	})

	var blocks []string
	for _, q := range ordered {
		optionID, ok := answers[q.ID]
		if !ok || optionID == "" || len(q.Options) == 0 {
			continue
		}
		blocks = append(blocks, "Question: "+q.Text+"\nAnswer: "+optionText(q.Options, optionID))
	}
	return strings.Join(blocks, "\n\n")
}

func optionText(options []model.Option, id string) string {
	for _, o := range options {
		if o.ID == id {
			return o.Text
		}
	}
	return id
}

// TaskMessage builds the user-role content sent with the instructions.
func TaskMessage(transcript string) string {
	return TaskPreamble + "\n\n" + transcript
}

// Sanitize strips copy-paste artifacts from an instruction template.
// Whitespace other than tabs and newlines (line and paragraph separators,
// vertical tab, form feed, NEL, no-break spaces) and zero-width spaces become
// a plain space; other invisible format and control characters are dropped. Tabs and
// newlines are kept. Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(template string) string {
	if template == "" {
		return ""
	}
	template = strings.ToValidUTF8(template, "")

	var sb strings.Builder
	sb.Grow(len(template))
	for _, r := range template {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			sb.WriteRune(r)
		case unicode.IsSpace(r) || r == '\u200b':
			sb.WriteByte(' ')
		case unicode.Is(unicode.Cf, r) || unicode.Is(unicode.Cc, r):
			// dropped
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
