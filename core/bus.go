package core

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

/**--------------------------------------------
 *               COMMAND BUS
 *---------------------------------------------**/

// Command, sistemin durumunu değiştiren bir talimattır.
// Komutlar pointer olarak gönderilir; handler sonucu komutun üzerine yazabilir.
type Command interface {
	CommandID() string
}

type CommandHandler[C Command] interface {
	Handle(ctx context.Context, cmd C) error
}

// CommandHandlerFunc is the type-erased handler stored by a bus.
type CommandHandlerFunc func(ctx context.Context, cmd any) error

type CommandMiddleware func(next CommandHandlerFunc) CommandHandlerFunc

type CommandBus interface {
	Dispatch(ctx context.Context, cmd Command) error
	Register(cmdType reflect.Type, handler CommandHandlerFunc) error
	Use(middleware ...CommandMiddleware)
}

// RegisterCommand registers a typed handler for commands of type C.
func RegisterCommand[C Command, H CommandHandler[C]](bus CommandBus, handler H) error {
	cmdType := reflect.TypeOf((*C)(nil)).Elem()
	adapter := func(ctx context.Context, c any) error {
		typed, ok := c.(C)
		if !ok {
			return fmt.Errorf("command %T is not %v", c, cmdType)
		}
		return handler.Handle(ctx, typed)
	}
	return bus.Register(cmdType, adapter)
}

/**--------------------------------------------
 *               QUERY BUS
 *---------------------------------------------**/

// Query, durum değiştirmeden bilgi almak için yapılan istektir.
type Query interface {
	QueryID() string
}
type QueryResponse interface{}

type QueryHandler[Q Query, R QueryResponse] interface {
	Handle(ctx context.Context, query Q) (R, error)
}

type QueryHandlerFunc func(context.Context, Query) (QueryResponse, error)

type QueryMiddleware func(next QueryHandlerFunc) QueryHandlerFunc

// QueryBus returns untyped responses; use ExecuteQuery for a typed result.
type QueryBus interface {
	Execute(ctx context.Context, query Query) (QueryResponse, error)
	Register(queryType reflect.Type, handler QueryHandlerFunc) error
	Use(middleware ...QueryMiddleware)
}

func RegisterQuery[Q Query, R QueryResponse](bus QueryBus, handler QueryHandler[Q, R]) error {
	queryType := reflect.TypeOf((*Q)(nil)).Elem()
	adapter := func(ctx context.Context, q Query) (QueryResponse, error) {
		return handler.Handle(ctx, q.(Q))
	}
	return bus.Register(queryType, adapter)
}

// ExecuteQuery runs q and asserts the response to R.
func ExecuteQuery[Q Query, R QueryResponse](ctx context.Context, bus QueryBus, q Q) (R, error) {
	var zero R
	res, err := bus.Execute(ctx, q)
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	typedRes, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("unexpected response type: got %T, want %T", res, zero)
	}
	return typedRes, nil
}

/**--------------------------------------------
 *               EVENT BUS
 *---------------------------------------------**/

// Event, geçmişte gerçekleşmiş bir olaydır.
type Event interface {
	EventID() string
	EventName() string
	OccurredOn() time.Time
}

type EventHandler[E Event] interface {
	Handle(ctx context.Context, event E) error
}

type EventHandlerFunc func(context.Context, Event) error

type EventMiddlewareFunc func(next EventHandlerFunc) EventHandlerFunc

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

type EventBus interface {
	EventPublisher
	Subscribe(prototype Event, handler EventHandler[Event]) error
	Run(ctx context.Context) error
}

// SubscribeEvent subscribes a typed handler. A nil pointer E is replaced by a fresh value so
// the bus can read its EventName.
func SubscribeEvent[E Event](bus EventBus, handler EventHandler[E]) error {
	var zero E
	val := reflect.ValueOf(zero)
	if val.Kind() == reflect.Ptr && val.IsNil() {
		zero = reflect.New(val.Type().Elem()).Interface().(E)
	}
	return bus.Subscribe(zero, &eventHandlerWrapper[E]{handler: handler})
}

type eventHandlerWrapper[E Event] struct {
	handler EventHandler[E]
}

func (w *eventHandlerWrapper[E]) Handle(ctx context.Context, event Event) error {
	return w.handler.Handle(ctx, event.(E))
}
