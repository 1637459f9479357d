package model

import "encoding/json"

// StartSessionRequest is the payload for starting an attempt.
type StartSessionRequest struct {
	ForceNew bool `json:"force_new"`
}

// SubmitAnswerRequest is the payload for answering the current question.
// QuestionIndex, when set, must match the server cursor.
type SubmitAnswerRequest struct {
	QuestionIndex *int            `json:"question_index" binding:"omitempty,min=0"`
	Answer        json.RawMessage `json:"answer" binding:"answer"`
}

// SkipQuestionRequest is the payload for skipping the current question.
type SkipQuestionRequest struct {
	QuestionIndex *int `json:"question_index" binding:"omitempty,min=0"`
}

// NavigateRequest is the payload for jumping to a skipped question during review.
type NavigateRequest struct {
	QuestionIndex *int `json:"question_index" binding:"required,min=0"`
}
