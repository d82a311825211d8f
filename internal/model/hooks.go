package model

import (
	"context"
	"fmt"
	"log/slog"
)

// HookName identifies a lifecycle event.
type HookName string

// Lifecycle events in the order a record can observe them.
const (
	BeforeCreate HookName = "beforeCreate"
	AfterCreate  HookName = "afterCreate"
	BeforeUpdate HookName = "beforeUpdate"
	AfterUpdate  HookName = "afterUpdate"
	BeforeDelete HookName = "beforeDelete"
	AfterDelete  HookName = "afterDelete"
	AfterGet     HookName = "afterGet"
)

// Change is the before/after pair of one field.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Env carries application collaborators (mailers, clients) handed to hooks.
type Env map[string]any

// Event is what a hook receives. Data is the record's live field map:
// before-hooks may modify it and the changes are persisted.
type Event struct {
	Model   string
	ID      string
	Data    map[string]any
	Changes map[string]Change
	Env     Env
	Logger  *slog.Logger
}

// Hooks receives lifecycle callbacks. Errors are logged by the engine and never
// fail the operation that triggered them.
type Hooks interface {
	BeforeCreate(ctx context.Context, ev *Event) error
	AfterCreate(ctx context.Context, ev *Event) error
	BeforeUpdate(ctx context.Context, ev *Event) error
	AfterUpdate(ctx context.Context, ev *Event) error
	BeforeDelete(ctx context.Context, ev *Event) error
	AfterDelete(ctx context.Context, ev *Event) error
	AfterGet(ctx context.Context, ev *Event) error
}

// NopHooks implements Hooks with no-ops; embed it to override single events.
type NopHooks struct{}

func (NopHooks) BeforeCreate(context.Context, *Event) error { return nil }
func (NopHooks) AfterCreate(context.Context, *Event) error  { return nil }
func (NopHooks) BeforeUpdate(context.Context, *Event) error { return nil }
func (NopHooks) AfterUpdate(context.Context, *Event) error  { return nil }
func (NopHooks) BeforeDelete(context.Context, *Event) error { return nil }
func (NopHooks) AfterDelete(context.Context, *Event) error  { return nil }
func (NopHooks) AfterGet(context.Context, *Event) error     { return nil }

// HookFunc is a single lifecycle callback.
type HookFunc func(ctx context.Context, ev *Event) error

// HookFuncs is a Hooks built from a map of callbacks; missing entries are no-ops.
type HookFuncs map[HookName]HookFunc

func (h HookFuncs) call(name HookName, ctx context.Context, ev *Event) error {
	if fn, ok := h[name]; ok && fn != nil {
		return fn(ctx, ev)
	}
	return nil
}

func (h HookFuncs) BeforeCreate(ctx context.Context, ev *Event) error {
	return h.call(BeforeCreate, ctx, ev)
}
func (h HookFuncs) AfterCreate(ctx context.Context, ev *Event) error {
	return h.call(AfterCreate, ctx, ev)
}
func (h HookFuncs) BeforeUpdate(ctx context.Context, ev *Event) error {
	return h.call(BeforeUpdate, ctx, ev)
}
func (h HookFuncs) AfterUpdate(ctx context.Context, ev *Event) error {
	return h.call(AfterUpdate, ctx, ev)
}
func (h HookFuncs) BeforeDelete(ctx context.Context, ev *Event) error {
	return h.call(BeforeDelete, ctx, ev)
}
func (h HookFuncs) AfterDelete(ctx context.Context, ev *Event) error {
	return h.call(AfterDelete, ctx, ev)
}
func (h HookFuncs) AfterGet(ctx context.Context, ev *Event) error {
	return h.call(AfterGet, ctx, ev)
}

// Dispatch invokes the callback registered for name on h.
func Dispatch(ctx context.Context, h Hooks, name HookName, ev *Event) error {
	switch name {
	case BeforeCreate:
		return h.BeforeCreate(ctx, ev)
	case AfterCreate:
		return h.AfterCreate(ctx, ev)
	case BeforeUpdate:
		return h.BeforeUpdate(ctx, ev)
	case AfterUpdate:
		return h.AfterUpdate(ctx, ev)
	case BeforeDelete:
		return h.BeforeDelete(ctx, ev)
	case AfterDelete:
		return h.AfterDelete(ctx, ev)
	case AfterGet:
		return h.AfterGet(ctx, ev)
	default:
		return fmt.Errorf("model: unknown hook %q", name)
	}
}
