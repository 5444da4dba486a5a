// Package dispatch fans classified chat messages out to registered handlers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"vbcb-bot/pkg/chatbox"
)

// Handler reacts to a single message. Returned errors are logged.
type Handler func(ctx context.Context, msg *chatbox.Message, isInitialSalvo, isEdited, isBanned bool) error

type registration struct {
	name    string
	handler Handler
}

// Dispatcher calls every handler for every message, in registration order.
// A failing or panicking handler does not affect the others.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers []registration
}

// New creates an empty dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Subscribe registers h under name, used in log messages.
func (d *Dispatcher) Subscribe(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	handlers := make([]registration, len(d.handlers), len(d.handlers)+1)
	copy(handlers, d.handlers)
	d.handlers = append(handlers, registration{name: name, handler: h})
	d.logger.Info("Handler registered", "handler", name, "total", len(d.handlers))
}

// Len reports how many handlers are registered.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Distribute hands msg to all handlers synchronously.
func (d *Dispatcher) Distribute(ctx context.Context, msg chatbox.Distribution) {
	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()

	for _, reg := range handlers {
		start := time.Now()
		if err := d.call(ctx, reg, msg); err != nil {
			d.logger.Error("Handler failed",
				"handler", reg.name,
				"message_id", msg.Message.ID,
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err)
		}
	}
}

func (d *Dispatcher) call(ctx context.Context, reg registration, msg chatbox.Distribution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			d.logger.Debug("Handler panic stack", "handler", reg.name, "stack", string(debug.Stack()))
		}
	}()
	return reg.handler(ctx, msg.Message, msg.IsInitialSalvo, msg.IsEdited, msg.IsBanned)
}

// SkipBanned wraps h so it never sees messages from banned users.
func SkipBanned(h Handler) Handler {
	return func(ctx context.Context, msg *chatbox.Message, isInitialSalvo, isEdited, isBanned bool) error {
		if isBanned {
			return nil
		}
		return h(ctx, msg, isInitialSalvo, isEdited, isBanned)
	}
}

// SkipInitialSalvo wraps h so it ignores the backlog seen on the first poll.
func SkipInitialSalvo(h Handler) Handler {
	return func(ctx context.Context, msg *chatbox.Message, isInitialSalvo, isEdited, isBanned bool) error {
		if isInitialSalvo {
			return nil
		}
		return h(ctx, msg, isInitialSalvo, isEdited, isBanned)
	}
}
