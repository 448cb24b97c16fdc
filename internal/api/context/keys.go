package context

import "context"

type Key string

const (
	Principal Key = "principal"
	Params    Key = "params"
)

// Caller is the authenticated identity of a request. KeyHash is set only
// for API key callers.
type Caller struct {
	UserID  string
	KeyHash string
}

func CallerFrom(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(Principal).(*Caller)
	return c, ok && c != nil
}
