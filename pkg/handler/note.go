package handler

import (
	"context"
	"fmt"
	"time"
)

// NoteHandler serves low-risk notes in process: it has no side effects
// beyond returning the note as the result.
type NoteHandler struct{}

func (NoteHandler) Name() string           { return "note" }
func (NoteHandler) Timeout() time.Duration { return 5 * time.Second }
func (NoteHandler) NeverRetry() bool       { return false }

// Execute returns the `text` parameter.
func (NoteHandler) Execute(_ context.Context, _ string, params map[string]any) (Result, error) {
	text, _ := params["text"].(string)
	if text == "" {
		return Result{Detail: "empty note"}, nil
	}
	return Result{Output: map[string]any{"note": text}, Detail: fmt.Sprintf("%d characters", len(text))}, nil
}
