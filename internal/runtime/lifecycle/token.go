package lifecycle

import (
	"context"
	"sync/atomic"
)

// Token is a one-way cooperative cancellation signal. Once signalled it stays
// signalled. Work observes it through Done or Context; nothing is interrupted
// forcibly.
type Token struct {
	ctx       context.Context
	cancel    context.CancelFunc
	signalled atomic.Bool
}

// NewToken returns a token that is also signalled when parent is cancelled.
func NewToken(parent context.Context) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Signal requests cancellation. Safe to call more than once.
func (t *Token) Signal() {
	t.signalled.Store(true)
	t.cancel()
}

// Signalled reports whether this token or one of its ancestors was signalled.
func (t *Token) Signalled() bool {
	return t.signalled.Load() || t.ctx.Err() != nil
}

func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Context is cancelled exactly when the token is signalled.
func (t *Token) Context() context.Context { return t.ctx }

// Child returns a dependent token: signalling t signals the child, not the reverse.
func (t *Token) Child() *Token { return NewToken(t.ctx) }
