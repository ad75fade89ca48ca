package core

import (
	"context"
	"reflect"
)

// Request is decoded from params, query, headers and body, then validated before the handler runs.
type Request interface {
	Validate() error
}

type Response any

// HandlerInterface is implemented by every endpoint handler.
type HandlerInterface[R Request, Res Response] interface {
	Handle(ctx context.Context, req R) (Res, error)
}

// HandlerInterfaceFunc lets a plain function serve as an endpoint handler.
type HandlerInterfaceFunc[R Request, Res Response] func(ctx context.Context, req R) (Res, error)

func (f HandlerInterfaceFunc[R, Res]) Handle(ctx context.Context, req R) (Res, error) {
	return f(ctx, req)
}

// Middleware wraps a type-erased handler.
type Middleware func(next HandlerFunc) HandlerFunc

type HandlerFunc func(ctx context.Context, req any) (any, error)

type Server interface {
	Run() error
	Shutdown(ctx context.Context) error
	Use(middleware ...Middleware)
	Register(method, path string, handler HandlerFunc, reqFactory func() any)
}

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// BaseResponse is the envelope of every API response.
type BaseResponse[T any] struct {
	Success bool      `json:"success"`
	Data    T         `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

func OK[T any](data T) BaseResponse[T] {
	return BaseResponse[T]{Success: true, Data: data}
}

func Fail(err *APIError) BaseResponse[any] {
	return BaseResponse[any]{Error: err}
}

// RegisterEndpoint registers handler on server behind a type-erased adapter.
func RegisterEndpoint[R Request, Res Response](server Server, method, path string, handler HandlerInterface[R, Res]) {
	adapter := func(ctx context.Context, req any) (any, error) {
		return handler.Handle(ctx, req.(R))
	}
	server.Register(method, path, adapter, newRequest[R])
}

// newRequest allocates a fresh R; pointer request types get a pointer to a zero value.
func newRequest[R Request]() any {
	t := reflect.TypeFor[R]()
	if t.Kind() == reflect.Ptr {
		return reflect.New(t.Elem()).Interface()
	}
	return reflect.New(t).Interface()
}
