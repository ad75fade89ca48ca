package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Deepreo/jobs/api"
	"github.com/Deepreo/jobs/core"
	"github.com/Deepreo/jobs/engine"
	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
	"github.com/Deepreo/jobs/modules/auth"
	"github.com/Deepreo/jobs/modules/command"
	"github.com/Deepreo/jobs/modules/executor"
	"github.com/Deepreo/jobs/modules/query"
	"github.com/Deepreo/jobs/modules/repository"
	"github.com/Deepreo/jobs/modules/scheduler"
	"github.com/Deepreo/jobs/modules/servers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSink struct{}

func (nopSink) Record(context.Context, *job.Record) error { return nil }

type stack struct {
	repo     *repository.InMemory
	engine   *engine.Scheduler
	commands core.CommandBus
	queries  core.QueryBus
	server   *servers.HttpServer
}

func newStack(t *testing.T, provider *auth.TokenProvider) *stack {
	t.Helper()
	dispatcher, err := executor.NewDispatcher(executor.NewHTTPExecutor(executor.HTTPConfig{Timeout: time.Second}, nil))
	require.NoError(t, err)
	timers, err := scheduler.NewInMemoryScheduler()
	require.NoError(t, err)
	timers.Start()

	cfg := engine.DefaultConfig()
	cfg.BackoffRetry = 100 * time.Millisecond

	s := &stack{
		repo:     repository.NewInMemory(nil),
		commands: command.NewInMemory(),
		queries:  query.NewInMemory(),
	}
	s.engine = engine.New(s.repo, dispatcher, nopSink{}, timers, cfg)
	require.NoError(t, s.engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.engine.Stop(ctx)
		_ = timers.Shutdown()
	})

	require.NoError(t, api.RegisterHandlers(s.commands, s.queries, s.engine, s.repo))

	s.server, err = servers.NewHttpServer(nil)
	require.NoError(t, err)
	if provider != nil {
		s.server.Use(auth.Middleware(provider))
	}
	api.RegisterRoutes(s.server, s.commands, s.queries, provider != nil)
	return s
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *core.APIError  `json:"error"`
}

func (s *stack) call(t *testing.T, method, target, body, token string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.server.GetApp().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decodeRecord(t *testing.T, env envelope) job.Record {
	t.Helper()
	var rec job.Record
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	return rec
}

func newCallback(t *testing.T, status int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/callback"
}

func createBody(id string, fireAt time.Time, url string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"correlationId": "corr-%s",
		"schedule": {"type": "point_in_time", "fireAt": %q},
		"recipient": {"type": "http", "url": %q, "method": "POST", "payload": {"hello": "world"}},
		"retries": 2,
		"priority": 3
	}`, id, id, fireAt.UTC().Format(time.RFC3339Nano), url)
}

func TestCreateAndGet(t *testing.T) {
	s := newStack(t, nil)
	url := newCallback(t, http.StatusOK)

	status, env := s.call(t, http.MethodPost, "/jobs", createBody("job-1", time.Now().Add(time.Hour), url), "")
	require.Equal(t, http.StatusOK, status, "%+v", env.Error)
	created := decodeRecord(t, env)
	assert.Equal(t, "job-1", created.ID)
	assert.Equal(t, job.StatusScheduled, created.Status)
	assert.Equal(t, 2, created.Retries)
	assert.Equal(t, 3, created.Priority)

	status, env = s.call(t, http.MethodGet, "/jobs/job-1", "", "")
	require.Equal(t, http.StatusOK, status)
	got := decodeRecord(t, env)
	assert.Equal(t, created.CorrelationID, got.CorrelationID)
	assert.True(t, created.FireTime.Equal(got.FireTime))
}

func TestCreateExecutes(t *testing.T) {
	s := newStack(t, nil)
	url := newCallback(t, http.StatusAccepted)

	status, _ := s.call(t, http.MethodPost, "/jobs", createBody("soon", time.Now().Add(300*time.Millisecond), url), "")
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool {
		rec, err := s.repo.Get(context.Background(), "soon")
		return err == nil && rec.Status == job.StatusExecuted
	}, 5*time.Second, 20*time.Millisecond)

	rec, err := s.repo.Get(context.Background(), "soon")
	require.NoError(t, err)
	require.NotNil(t, rec.ExecutionResponse)
	assert.Equal(t, "202", rec.ExecutionResponse.Code)
}

func TestCreateValidation(t *testing.T) {
	s := newStack(t, nil)
	url := newCallback(t, http.StatusOK)
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	tests := []struct {
		name string
		body string
	}{
		{"MissingID", fmt.Sprintf(`{"correlationId":"c","schedule":{"type":"point_in_time","fireAt":%q},"recipient":{"type":"http","url":%q}}`, future, url)},
		{"MissingCorrelation", fmt.Sprintf(`{"id":"a","schedule":{"type":"point_in_time","fireAt":%q},"recipient":{"type":"http","url":%q}}`, future, url)},
		{"MissingSchedule", fmt.Sprintf(`{"id":"a","correlationId":"c","recipient":{"type":"http","url":%q}}`, url)},
		{"MissingRecipient", fmt.Sprintf(`{"id":"a","correlationId":"c","schedule":{"type":"point_in_time","fireAt":%q}}`, future)},
		{"NegativeRepeatLimit", fmt.Sprintf(`{"id":"a","correlationId":"c","schedule":{"type":"interval","start":%q,"period":1000,"repeatLimit":-1},"recipient":{"type":"http","url":%q}}`, future, url)},
		{"NegativePeriod", fmt.Sprintf(`{"id":"a","correlationId":"c","schedule":{"type":"interval","start":%q,"period":-5,"repeatLimit":2},"recipient":{"type":"http","url":%q}}`, future, url)},
		{"NegativeTimeout", fmt.Sprintf(`{"id":"a","correlationId":"c","schedule":{"type":"point_in_time","fireAt":%q},"recipient":{"type":"http","url":%q},"executionTimeout":-1}`, future, url)},
		{"UnsupportedRecipient", fmt.Sprintf(`{"id":"a","correlationId":"c","schedule":{"type":"point_in_time","fireAt":%q},"recipient":{"type":"smtp","to":"x@y"}}`, future)},
		{"BadJSON", `{"id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := s.call(t, http.MethodPost, "/jobs", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, status)
			assert.False(t, env.Success)
		})
	}

	t.Run("Duplicate", func(t *testing.T) {
		status, _ := s.call(t, http.MethodPost, "/jobs", createBody("dup", time.Now().Add(time.Hour), url), "")
		require.Equal(t, http.StatusOK, status)
		status, env := s.call(t, http.MethodPost, "/jobs", createBody("dup", time.Now().Add(time.Hour), url), "")
		assert.Equal(t, http.StatusBadRequest, status)
		require.NotNil(t, env.Error)
		assert.Equal(t, errors.CodeJobExists, env.Error.Code)
	})
}

func TestMerge(t *testing.T) {
	s := newStack(t, nil)
	url := newCallback(t, http.StatusOK)
	status, _ := s.call(t, http.MethodPost, "/jobs", createBody("m", time.Now().Add(time.Hour), url), "")
	require.Equal(t, http.StatusOK, status)

	t.Run("RecipientOnly", func(t *testing.T) {
		other := newCallback(t, http.StatusOK)
		status, env := s.call(t, http.MethodPatch, "/jobs/m", fmt.Sprintf(`{"recipient":{"type":"http","url":%q,"method":"PUT"}}`, other), "")
		require.Equal(t, http.StatusOK, status, "%+v", env.Error)
		merged := decodeRecord(t, env)
		assert.Equal(t, job.StatusScheduled, merged.Status)
		assert.Equal(t, 2, merged.Retries)
		assert.Equal(t, 0, merged.ExecutionCounter)
		assert.Equal(t, other, merged.Recipient.(job.HTTPRecipient).URL)
	})

	t.Run("Schedule", func(t *testing.T) {
		later := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Millisecond)
		status, env := s.call(t, http.MethodPatch, "/jobs/m", fmt.Sprintf(`{"schedule":{"type":"point_in_time","fireAt":%q}}`, later.Format(time.RFC3339Nano)), "")
		require.Equal(t, http.StatusOK, status)
		assert.True(t, later.Equal(decodeRecord(t, env).FireTime))
	})

	t.Run("Rejected", func(t *testing.T) {
		for _, body := range []string{
			`{"status":"EXECUTED"}`,
			`{"retries":0}`,
			`{"executionCounter":5}`,
			`{"correlationId":"other"}`,
			`{"id":"other","priority":1}`,
			`{}`,
		} {
			status, env := s.call(t, http.MethodPatch, "/jobs/m", body, "")
			assert.Equal(t, http.StatusBadRequest, status, body)
			assert.False(t, env.Success, body)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		status, _ := s.call(t, http.MethodPatch, "/jobs/nope", `{"priority":4}`, "")
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestCancelAndDelete(t *testing.T) {
	s := newStack(t, nil)
	url := newCallback(t, http.StatusOK)
	status, _ := s.call(t, http.MethodPost, "/jobs", createBody("c", time.Now().Add(time.Hour), url), "")
	require.Equal(t, http.StatusOK, status)

	status, env := s.call(t, http.MethodDelete, "/jobs/c", "", "")
	require.Equal(t, http.StatusOK, status)
	first := decodeRecord(t, env)
	assert.Equal(t, job.StatusCanceled, first.Status)
	assert.Empty(t, first.ScheduledID)
	assert.False(t, s.engine.Armed("c"))

	status, env = s.call(t, http.MethodDelete, "/jobs/c", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, first, decodeRecord(t, env), "cancel is idempotent")

	status, _ = s.call(t, http.MethodDelete, "/jobs/missing", "", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.call(t, http.MethodDelete, "/management/jobs/c", "", "")
	require.Equal(t, http.StatusOK, status)
	status, _ = s.call(t, http.MethodGet, "/jobs/c", "", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestList(t *testing.T) {
	s := newStack(t, nil)
	url := newCallback(t, http.StatusOK)
	base := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	for i, id := range []string{"a", "b", "c"} {
		status, _ := s.call(t, http.MethodPost, "/jobs", createBody(id, base.Add(time.Duration(i)*time.Minute), url), "")
		require.Equal(t, http.StatusOK, status)
	}
	status, _ := s.call(t, http.MethodDelete, "/jobs/c", "", "")
	require.Equal(t, http.StatusOK, status)

	ids := func(env envelope) []string {
		var recs []job.Record
		require.NoError(t, json.Unmarshal(env.Data, &recs))
		var out []string
		for _, r := range recs {
			out = append(out, r.ID)
		}
		return out
	}

	status, env := s.call(t, http.MethodGet, "/jobs", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(env))

	status, env = s.call(t, http.MethodGet, "/jobs?status=SCHEDULED,RETRY", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(env))

	target := fmt.Sprintf("/jobs?status=scheduled&from=%d&to=%d", base.UnixMilli(), base.Add(time.Minute).UnixMilli())
	status, env = s.call(t, http.MethodGet, target, "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"a"}, ids(env))

	status, env = s.call(t, http.MethodGet, "/jobs?status=CANCELED&from="+base.Format(time.RFC3339Nano), "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"c"}, ids(env))

	status, _ = s.call(t, http.MethodGet, "/jobs?status=DONE", "", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.call(t, http.MethodGet, "/jobs?from=yesterday", "", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSecuredRoutes(t *testing.T) {
	cfg := auth.DefaultConfig()
	cfg.Enabled = true
	cfg.SecretKey = "0123456789abcdef0123456789abcdef"
	provider, err := auth.NewTokenProvider(cfg)
	require.NoError(t, err)

	s := newStack(t, provider)
	url := newCallback(t, http.StatusOK)

	reader, err := provider.Issue("dashboard", 0)
	require.NoError(t, err)
	writer, err := provider.Issue("billing", 0, api.ScopeWrite)
	require.NoError(t, err)
	admin, err := provider.Issue("ops", 0, api.ScopeWrite, api.ScopeManage)
	require.NoError(t, err)

	status, _ := s.call(t, http.MethodGet, "/jobs", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.call(t, http.MethodPost, "/jobs", createBody("s", time.Now().Add(time.Hour), url), reader)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = s.call(t, http.MethodPost, "/jobs", createBody("s", time.Now().Add(time.Hour), url), writer)
	require.Equal(t, http.StatusOK, status)

	status, _ = s.call(t, http.MethodGet, "/jobs/s", "", reader)
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.call(t, http.MethodDelete, "/management/jobs/s", "", writer)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = s.call(t, http.MethodDelete, "/management/jobs/s", "", admin)
	assert.Equal(t, http.StatusOK, status)
}

// stubScheduler records what the command handlers pass through.
type stubScheduler struct {
	scheduled *job.Record
	err       error
}

func (s *stubScheduler) Schedule(_ context.Context, r *job.Record) (*job.Record, error) {
	s.scheduled = r
	return r, s.err
}
func (s *stubScheduler) Merge(_ context.Context, id string, _ *job.Record) (*job.Record, error) {
	return &job.Record{ID: id}, s.err
}
func (s *stubScheduler) Cancel(_ context.Context, id string) (*job.Record, error) {
	return &job.Record{ID: id, Status: job.StatusCanceled}, s.err
}
func (s *stubScheduler) Delete(_ context.Context, id string) (*job.Record, error) {
	return &job.Record{ID: id}, s.err
}

func TestCommandHandlers(t *testing.T) {
	ctx := context.Background()
	stub := &stubScheduler{}
	commands := command.NewInMemory()
	require.NoError(t, api.RegisterHandlers(commands, query.NewInMemory(), stub, repository.NewInMemory(nil)))

	t.Run("CreateFillsResult", func(t *testing.T) {
		cmd := &api.CreateJob{Record: &job.Record{ID: "x"}}
		require.NoError(t, commands.Dispatch(ctx, cmd))
		assert.Same(t, stub.scheduled, cmd.Result)
	})

	t.Run("CreateWithoutRecord", func(t *testing.T) {
		err := commands.Dispatch(ctx, &api.CreateJob{})
		assert.True(t, errors.LevelOf(err, errors.ERR_VALIDATION))
	})

	t.Run("CancelRequiresID", func(t *testing.T) {
		err := commands.Dispatch(ctx, &api.CancelJob{})
		assert.True(t, errors.LevelOf(err, errors.ERR_VALIDATION))
	})

	t.Run("ErrorLeavesResultEmpty", func(t *testing.T) {
		stub.err = job.NotFound("y")
		defer func() { stub.err = nil }()
		cmd := &api.DeleteJob{ID: "y"}
		err := commands.Dispatch(ctx, cmd)
		assert.True(t, job.IsNotFound(err))
		assert.Nil(t, cmd.Result)
	})
}

func TestListJobsByStatusQuery(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewInMemory(nil)
	queries := query.NewInMemory()
	require.NoError(t, api.RegisterHandlers(command.NewInMemory(), queries, &stubScheduler{}, repo))

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, status := range []job.Status{job.StatusScheduled, job.StatusExecuted} {
		_, err := repo.Save(ctx, &job.Record{
			ID:            fmt.Sprintf("j%d", i),
			CorrelationID: "c",
			Trigger:       job.PointInTime{FireAt: base},
			Recipient:     job.HTTPRecipient{URL: "http://localhost/x"},
			Status:        status,
			FireTime:      base,
		})
		require.NoError(t, err)
	}

	all, err := core.ExecuteQuery[*api.ListJobsByStatus, []*job.Record](ctx, queries, &api.ListJobsByStatus{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "no statuses means every status")

	scheduled, err := core.ExecuteQuery[*api.ListJobsByStatus, []*job.Record](ctx, queries, &api.ListJobsByStatus{
		Statuses: []job.Status{job.StatusScheduled},
		From:     base,
		To:       base.Add(time.Second),
	})
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, "j0", scheduled[0].ID)

	_, err = core.ExecuteQuery[*api.ListJobsByStatus, []*job.Record](ctx, queries, &api.ListJobsByStatus{From: base, To: base})
	assert.True(t, errors.LevelOf(err, errors.ERR_VALIDATION))

	_, err = core.ExecuteQuery[*api.GetJob, *job.Record](ctx, queries, &api.GetJob{ID: "missing"})
	assert.True(t, job.IsNotFound(err))
}
