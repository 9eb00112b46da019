package notify

import "context"

// Channel posts one rendered message to an external surface. Implementations
// must be safe for concurrent use; the dispatcher calls Post from its workers.
type Channel interface {
	Name() string
	Post(ctx context.Context, title, body string, urgent bool) error
}
