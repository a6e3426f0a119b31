// Package sinks holds the downstream handlers change events are delivered to.
package sinks

import (
	"context"

	"github.com/tarungka/changewatch/internal/models"
)

// Handler consumes change events of the entity types it is registered for.
// Delivery is at-least-once, so Handle must be idempotent: seeing the same
// event twice leaves the downstream state as if it was seen once.
type Handler interface {
	Handle(ctx context.Context, event models.ChangeEvent) error
	Name() string
	Close() error
}

// HandlerFunc adapts a function to a Handler
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, event models.ChangeEvent) error
}

func (h HandlerFunc) Handle(ctx context.Context, event models.ChangeEvent) error {
	return h.Fn(ctx, event)
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Close() error { return nil }
