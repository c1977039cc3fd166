package ai

import "context"

// Turn is one role-tagged entry of the prompt sent to the provider.
// Role is one of "system", "user", "assistant".
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamGenerator produces assistant text for an ordered list of turns,
// delivering it incrementally. onDelta is called once per produced chunk,
// in order; returning an error from it aborts the stream. The full
// accumulated text is returned once the stream is exhausted.
type StreamGenerator interface {
	StreamText(ctx context.Context, turns []Turn, onDelta func(delta string) error) (string, error)
}
