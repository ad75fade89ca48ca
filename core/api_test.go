package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Deepreo/jobs/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routeRecorder implements core.Server and keeps what was registered.
type routeRecorder struct {
	middlewares []core.Middleware
	routes      map[string]core.HandlerFunc
	factories   map[string]func() any
}

func (m *routeRecorder) Run() error                         { return nil }
func (m *routeRecorder) Shutdown(ctx context.Context) error { return nil }

func (m *routeRecorder) Use(middleware ...core.Middleware) {
	m.middlewares = append(m.middlewares, middleware...)
}

func (m *routeRecorder) Register(method, path string, handler core.HandlerFunc, reqFactory func() any) {
	if m.routes == nil {
		m.routes = make(map[string]core.HandlerFunc)
		m.factories = make(map[string]func() any)
	}
	m.routes[method+" "+path] = handler
	m.factories[method+" "+path] = reqFactory
}

type pingRequest struct {
	Name string
}

func (r *pingRequest) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type pingHandler struct{}

func (h *pingHandler) Handle(ctx context.Context, req *pingRequest) (string, error) {
	return "pong " + req.Name, nil
}

func TestRegisterEndpoint(t *testing.T) {
	var _ core.Server = (*routeRecorder)(nil)

	server := &routeRecorder{}
	core.RegisterEndpoint[*pingRequest, string](server, "GET", "/ping", &pingHandler{})
	require.Len(t, server.routes, 1)

	t.Run("Factory Builds Pointer Request", func(t *testing.T) {
		req := server.factories["GET /ping"]()
		_, ok := req.(*pingRequest)
		assert.True(t, ok, "got %T", req)
	})

	t.Run("Adapter Calls Handler", func(t *testing.T) {
		res, err := server.routes["GET /ping"](context.Background(), &pingRequest{Name: "jobs"})
		require.NoError(t, err)
		assert.Equal(t, "pong jobs", res)
	})
}

func TestBaseResponse(t *testing.T) {
	resp := core.BaseResponse[string]{
		Error: &core.APIError{Message: "something went wrong", Code: "JOB_NOT_FOUND", TraceID: "trace-123"},
	}
	assert.False(t, resp.Success)
	assert.Equal(t, "JOB_NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "trace-123", resp.Error.TraceID)
}

func TestHandlerInterfaceFunc(t *testing.T) {
	server := &routeRecorder{}
	core.RegisterEndpoint[*pingRequest, int](server, "POST", "/len", core.HandlerInterfaceFunc[*pingRequest, int](
		func(ctx context.Context, req *pingRequest) (int, error) { return len(req.Name), nil },
	))

	res, err := server.routes["POST /len"](context.Background(), &pingRequest{Name: "four"})
	require.NoError(t, err)
	assert.Equal(t, 4, res)
}

func TestOK(t *testing.T) {
	resp := core.OK([]string{"a"})
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, []string{"a"}, resp.Data)

	failed := core.Fail(&core.APIError{Message: "nope"})
	assert.False(t, failed.Success)
	assert.Equal(t, "nope", failed.Error.Message)
}
