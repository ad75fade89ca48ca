package query

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
	handlers    map[reflect.Type]core.QueryHandlerFunc
	middlewares []core.QueryMiddleware
	mu          sync.RWMutex
}

func NewInMemory() *inMemory {
	return &inMemory{
		handlers: make(map[reflect.Type]core.QueryHandlerFunc),
	}
}

func (b *inMemory) Register(queryType reflect.Type, handler core.QueryHandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[queryType]; exists {
		return fmt.Errorf("handler already registered for query type: %v", queryType)
	}
	b.handlers[queryType] = handler
	return nil
}

func (b *inMemory) Use(middleware ...core.QueryMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, middleware...)
}

func (b *inMemory) Execute(ctx context.Context, query core.Query) (core.QueryResponse, error) {
	queryType := reflect.TypeOf(query)

	b.mu.RLock()
	handler, ok := b.handlers[queryType]
	middlewares := b.middlewares
	b.mu.RUnlock()

	if !ok {
		return nil, errors.AppError(fmt.Errorf("no handler registered for query type: %v", queryType))
	}
	chain := handler
	// Örnek: Logging( Handler )
	for i := len(middlewares) - 1; i >= 0; i-- {
		chain = middlewares[i](chain)
	}
	return chain(ctx, query)
}

// Logging logs failed queries. Not-found answers are expected and stay at debug.
func Logging(logger *slog.Logger) core.QueryMiddleware {
	return func(next core.QueryHandlerFunc) core.QueryHandlerFunc {
		return func(ctx context.Context, q core.Query) (core.QueryResponse, error) {
			start := time.Now()
			res, err := next(ctx, q)
			if err != nil {
				attrs := []any{"query", fmt.Sprintf("%T", q), "took", time.Since(start), "error", err}
				if errors.LevelOf(err, errors.ERR_NOT_FOUND) || errors.LevelOf(err, errors.ERR_VALIDATION) {
					logger.Debug("query rejected", attrs...)
				} else {
					logger.Error("query failed", attrs...)
				}
			}
			return res, err
		}
	}
}
