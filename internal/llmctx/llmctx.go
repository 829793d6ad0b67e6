// Package llmctx carries business tags for LLM calls on context.Context.
//
// Tags live in a cell attached to a call chain's context. The caller sets
// them before invoking the gateway and the instrumentation clears them when
// the call returns. Every Set creates its own cell, so concurrent call
// chains never see each other's tags, even when they share a parent.
package llmctx

import (
	"context"
	"sync/atomic"
)

// Tags are optional business attributes attached to LLM spans.
type Tags struct {
	OperationType string `json:"operation_type,omitempty"`
	SubjectType   string `json:"subject_type,omitempty"`
	SubjectID     string `json:"subject_id,omitempty"`
	CommentID     string `json:"comment_id,omitempty"`
	CallID        string `json:"call_id,omitempty"`
}

func (t Tags) IsZero() bool { return t == Tags{} }

// Merge returns t with every non-empty field of override applied on top.
func (t Tags) Merge(override Tags) Tags {
	if override.OperationType != "" {
		t.OperationType = override.OperationType
	}
	if override.SubjectType != "" {
		t.SubjectType = override.SubjectType
	}
	if override.SubjectID != "" {
		t.SubjectID = override.SubjectID
	}
	if override.CommentID != "" {
		t.CommentID = override.CommentID
	}
	if override.CallID != "" {
		t.CallID = override.CallID
	}
	return t
}

type cell struct {
	tags atomic.Pointer[Tags]
}

type cellKey struct{}

func cellFrom(ctx context.Context) *cell {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(cellKey{}).(*cell)
	return c
}

// Set attaches tags to a new cell on a derived context and returns it.
// Cells are never shared with ctx, so sibling calls fanned out from one
// parent keep their own tags and clearing one leaves the others intact.
func Set(ctx context.Context, tags Tags) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &cell{}
	c.tags.Store(&tags)
	return context.WithValue(ctx, cellKey{}, c)
}

// Get returns the current tags, or false when none are set.
func Get(ctx context.Context) (Tags, bool) {
	c := cellFrom(ctx)
	if c == nil {
		return Tags{}, false
	}
	t := c.tags.Load()
	if t == nil {
		return Tags{}, false
	}
	return *t, true
}

// Clear drops the tags for the call chain carried by ctx.
func Clear(ctx context.Context) {
	if c := cellFrom(ctx); c != nil {
		c.tags.Store(nil)
	}
}
