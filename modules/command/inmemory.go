package command

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/Deepreo/jobs/core"
	"github.com/Deepreo/jobs/errors"
)

type inMemory struct {
	handlers    map[reflect.Type]core.CommandHandlerFunc
	middlewares []core.CommandMiddleware
	mu          sync.RWMutex
}

func NewInMemory() *inMemory {
	return &inMemory{
		handlers: make(map[reflect.Type]core.CommandHandlerFunc),
	}
}

func (b *inMemory) Use(middleware ...core.CommandMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, middleware...)
}

func (b *inMemory) Dispatch(ctx context.Context, cmd core.Command) error {
	cmdType := reflect.TypeOf(cmd)
	b.mu.RLock()
	handler, ok := b.handlers[cmdType]
	middlewares := b.middlewares
	b.mu.RUnlock()
	if !ok {
		return errors.AppError(fmt.Errorf("no handler found for command: %v", cmdType))
	}

	// Middleware zincirini tersten kur: Logging( Recover( Handler ) )
	chain := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		chain = middlewares[i](chain)
	}
	return chain(ctx, cmd)
}

// Don't use this method directly, use RegisterCommand helper function instead.
func (b *inMemory) Register(cmdType reflect.Type, handler core.CommandHandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[cmdType]; exists {
		return fmt.Errorf("handler already registered for command: %v", cmdType)
	}
	b.handlers[cmdType] = handler
	return nil
}

// Logging logs every dispatched command with its duration. Validation and not-found
// failures are caller mistakes and log at info.
func Logging(logger *slog.Logger) core.CommandMiddleware {
	return func(next core.CommandHandlerFunc) core.CommandHandlerFunc {
		return func(ctx context.Context, cmd any) error {
			start := time.Now()
			err := next(ctx, cmd)
			attrs := []any{"command", fmt.Sprintf("%T", cmd), "took", time.Since(start)}
			if code := errors.CodeOf(err); code != "" {
				attrs = append(attrs, "code", code)
			}
			switch {
			case err == nil:
				logger.Debug("command handled", attrs...)
			case errors.LevelOf(err, errors.ERR_VALIDATION), errors.LevelOf(err, errors.ERR_NOT_FOUND):
				logger.Info("command rejected", append(attrs, "error", err)...)
			default:
				logger.Error("command failed", append(attrs, "error", err)...)
			}
			return err
		}
	}
}

// Recover turns a handler panic into an application error.
func Recover() core.CommandMiddleware {
	return func(next core.CommandHandlerFunc) core.CommandHandlerFunc {
		return func(ctx context.Context, cmd any) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.AppError(fmt.Errorf("command %T panicked: %v", cmd, r))
				}
			}()
			return next(ctx, cmd)
		}
	}
}
