package domain

import "time"

// QuestionType discriminates how an answer payload is shaped.
type QuestionType string

const (
	QuestionMCQ  QuestionType = "mcq"
	QuestionText QuestionType = "text"
)

// Question models a single test question as authored by a teacher.
type Question struct {
	ID      string       `json:"id"`
	Prompt  string       `json:"prompt"`
	Type    QuestionType `json:"type"`
	Options []string     `json:"options,omitempty"`
	Marks   int          `json:"marks"` // defaults to 1 if zero
}

// Test is the definition a student attempts: questions plus timing mode.
type Test struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration"`
	TeacherPaced    bool       `json:"teacherPaced"`
	Questions       []Question `json:"questions"`
}

// AnswerPayload is one buffered answer. SelectedOption is a pointer so that
// option index 0 is distinguishable from "not answered".
type AnswerPayload struct {
	SelectedOption *int   `json:"selectedOption,omitempty"`
	TextAnswer     string `json:"textAnswer,omitempty"`
}

// OptionAnswer builds an MCQ payload for the given option index.
func OptionAnswer(index int) AnswerPayload {
	return AnswerPayload{SelectedOption: &index}
}

// TextAnswer builds a free-text payload.
func TextAnswer(text string) AnswerPayload {
	return AnswerPayload{TextAnswer: text}
}

// AttemptSnapshot is the durable form of one in-progress attempt. Exactly one
// snapshot may be persisted per device; it is written through on every
// mutation so a process kill never loses an acknowledged answer.
type AttemptSnapshot struct {
	TestID          string                   `json:"testId"`
	DurationMinutes int                      `json:"duration"`
	StartedAt       time.Time                `json:"startedAt"`
	Answers         map[string]AnswerPayload `json:"answers"`
	ViolationCount  int                      `json:"violationCount"`
}

// Deadline returns the wall-clock instant the attempt expires.
func (s AttemptSnapshot) Deadline() time.Time {
	return s.StartedAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// SubmittedAnswer is the wire form of one answer in a submission.
type SubmittedAnswer struct {
	QuestionID     string `json:"questionId"`
	SelectedOption *int   `json:"selectedOption,omitempty"`
	TextAnswer     string `json:"textAnswer,omitempty"`
}

// Submission is the one-shot body delivered to the submission gateway.
type Submission struct {
	Answers       []SubmittedAnswer `json:"answers"`
	TimeTaken     int               `json:"timeTaken"` // seconds
	AutoSubmitted bool              `json:"autoSubmitted"`
}
