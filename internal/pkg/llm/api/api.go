package api

import "context"

// Completer does one model completion request for a prompt and returns
// raw text with no structural guarantee. Implementations must not retry,
// the analysis invoker owns the retry budget.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}
