package contextutil

import (
	"context"
	"time"
)

// WithTimeout returns parent unchanged when d<=0; otherwise it wraps parent
// with a timeout. A nil parent is treated as context.Background().
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}

// WithDeadline returns parent unchanged when t is zero; otherwise it wraps
// parent with the absolute deadline. A nil parent is treated as Background.
func WithDeadline(parent context.Context, t time.Time) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if t.IsZero() {
		return parent, func() {}
	}
	return context.WithDeadline(parent, t)
}
