package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crucible/internal/compute"
	"github.com/mattjoyce/crucible/internal/history"
	"github.com/mattjoyce/crucible/internal/param"
	"github.com/mattjoyce/crucible/internal/schema"
	"github.com/mattjoyce/crucible/internal/session"
)

// fakeEngine implements SessionEngine with overridable behavior per test.
type fakeEngine struct {
	create    func(cfg *schema.Configuration, meta session.Metadata) (string, error)
	list      func() ([]string, error)
	info      func(id string) (schema.SessionInfo, error)
	status    func(id string) (schema.State, error)
	remove    func(id string, force bool) error
	params    func(id string, group schema.Group) ([]*param.Parameter, error)
	update    func(id string, group schema.Group, name string, value any) error
	upload    func(id string, group schema.Group, name, fileName string, content []byte) error
	reset     func(id string, group schema.Group, name string) error
	execute   func(id string, req session.ExecuteRequest) (string, error)
	stop      func(id string) error
	results   func(id string) ([]schema.ResultInfo, error)
	getResult func(id, name string) (string, error)
	history   func(id string) ([]history.Entry, error)
}

func (f *fakeEngine) Create(_ context.Context, cfg *schema.Configuration, meta session.Metadata) (string, error) {
	return f.create(cfg, meta)
}

func (f *fakeEngine) List() ([]string, error) {
	if f.list == nil {
		return nil, nil
	}
	return f.list()
}

func (f *fakeEngine) Info(id string) (schema.SessionInfo, error) { return f.info(id) }

func (f *fakeEngine) Status(id string) (schema.State, error) { return f.status(id) }

func (f *fakeEngine) Remove(_ context.Context, id string, force bool) error {
	return f.remove(id, force)
}

func (f *fakeEngine) Parameters(id string, group schema.Group) ([]*param.Parameter, error) {
	return f.params(id, group)
}

func (f *fakeEngine) UpdateParameter(id string, group schema.Group, name string, value any) error {
	return f.update(id, group, name, value)
}

func (f *fakeEngine) UploadParameterFile(id string, group schema.Group, name, fileName string, content []byte) error {
	return f.upload(id, group, name, fileName, content)
}

func (f *fakeEngine) ResetParameter(id string, group schema.Group, name string) error {
	return f.reset(id, group, name)
}

func (f *fakeEngine) Execute(_ context.Context, id string, req session.ExecuteRequest) (string, error) {
	return f.execute(id, req)
}

func (f *fakeEngine) Stop(_ context.Context, id string) error { return f.stop(id) }

func (f *fakeEngine) Results(id string) ([]schema.ResultInfo, error) { return f.results(id) }

func (f *fakeEngine) GetResult(_ context.Context, id, name string) (string, error) {
	return f.getResult(id, name)
}

func (f *fakeEngine) History(_ context.Context, id string) ([]history.Entry, error) {
	return f.history(id)
}

func newTestServer(engine SessionEngine, apiKey string) http.Handler {
	s := New(Config{Listen: "127.0.0.1:0", APIKey: apiKey}, engine,
		slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	return s.setupRoutes()
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzSkipsAuth(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		list: func() ([]string, error) { return []string{"a", "b"}, nil },
	}, "secret")

	rec := doRequest(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Sessions)
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		list: func() ([]string, error) { return nil, nil },
	}, "secret")

	rec := doRequest(t, h, http.MethodGet, "/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/sessions", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/sessions", "secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	var gotMeta session.Metadata
	h := newTestServer(&fakeEngine{
		create: func(cfg *schema.Configuration, meta session.Metadata) (string, error) {
			gotMeta = meta
			assert.Equal(t, "demo-soc", cfg.System.Name)
			return "new-id", nil
		},
	}, "")

	rec := doRequest(t, h, http.MethodPost, "/sessions", "", CreateSessionRequest{
		DisplayName: "My run",
		Creator:     "alice",
		Configuration: schema.Configuration{
			Format: schema.ConfigurationFormat,
			System: schema.SystemRef{Name: "demo-soc", Version: "1.2"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "new-id", resp.SessionID)
	assert.Equal(t, "My run", gotMeta.DisplayName)
	assert.Equal(t, "alice", gotMeta.Creator)
}

func TestCreateSessionErrors(t *testing.T) {
	t.Parallel()

	engineErr := fmt.Errorf("%w: missing system name", schema.ErrValidation)
	h := newTestServer(&fakeEngine{
		create: func(*schema.Configuration, session.Metadata) (string, error) { return "", engineErr },
	}, "")

	rec := doRequest(t, h, http.MethodPost, "/sessions", "", CreateSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString("{broken"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDomainErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: sess-1", session.ErrLocked), http.StatusLocked},
		{fmt.Errorf("%w: sess-1", session.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: cannot run", session.ErrState), http.StatusConflict},
		{fmt.Errorf("%w: bad value", schema.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: gone", compute.ErrUnavailable), http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newTestServer(&fakeEngine{
			status: func(string) (schema.State, error) { return "", tc.err },
		}, "")
		rec := doRequest(t, h, http.MethodGet, "/sessions/sess-1/status", "", nil)
		assert.Equal(t, tc.want, rec.Code, "error %v", tc.err)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Error)
	}
}

func TestGetSessionInfo(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		info: func(id string) (schema.SessionInfo, error) {
			assert.Equal(t, "sess-1", id)
			return schema.SessionInfo{Format: schema.SessionInfoFormat, DisplayName: "demo", State: schema.StateBuilt}, nil
		},
	}, "")

	rec := doRequest(t, h, http.MethodGet, "/sessions/sess-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info schema.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "demo", info.DisplayName)
	assert.Equal(t, schema.StateBuilt, info.State)
}

func TestUpdateParameter(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		update: func(id string, group schema.Group, name string, value any) error {
			assert.Equal(t, "sess-1", id)
			assert.Equal(t, schema.GroupRun, group)
			assert.Equal(t, "cycles", name)
			assert.Equal(t, 2000.0, value)
			return nil
		},
	}, "")

	rec := doRequest(t, h, http.MethodPut, "/sessions/sess-1/parameters/run/cycles", "",
		UpdateParameterRequest{Value: 2000.0})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUpdateParameterBadGroup(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{}, "")
	rec := doRequest(t, h, http.MethodPut, "/sessions/sess-1/parameters/deploy/cycles", "",
		UpdateParameterRequest{Value: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadParameterFile(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		upload: func(id string, group schema.Group, name, fileName string, content []byte) error {
			assert.Equal(t, schema.GroupRun, group)
			assert.Equal(t, "stimulus", name)
			assert.Equal(t, "stim.bin", fileName)
			assert.Equal(t, []byte("raw bytes"), content)
			return nil
		},
	}, "")

	req := httptest.NewRequest(http.MethodPost,
		"/sessions/sess-1/parameters/run/stimulus?filename=stim.bin",
		bytes.NewBufferString("raw bytes"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUploadParameterFileDefaultsFileName(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		upload: func(id string, group schema.Group, name, fileName string, content []byte) error {
			assert.Equal(t, "stimulus", fileName)
			return nil
		},
	}, "")

	req := httptest.NewRequest(http.MethodPost,
		"/sessions/sess-1/parameters/run/stimulus", bytes.NewBufferString("x"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestResetParameter(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		reset: func(id string, group schema.Group, name string) error {
			assert.Equal(t, schema.GroupBuild, group)
			assert.Equal(t, "opt_level", name)
			return nil
		},
	}, "")

	rec := doRequest(t, h, http.MethodDelete, "/sessions/sess-1/parameters/build/opt_level", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestExecuteSync(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		execute: func(id string, req session.ExecuteRequest) (string, error) {
			assert.Equal(t, schema.GroupBuild, req.Phase)
			assert.False(t, req.Async)
			return "build output", nil
		},
		status: func(string) (schema.State, error) { return schema.StateBuilt, nil },
	}, "")

	rec := doRequest(t, h, http.MethodPost, "/sessions/sess-1/execute", "",
		ExecuteRequest{Command: "build"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, schema.StateBuilt, resp.State)
	assert.Equal(t, "build output", resp.Output)
	assert.Empty(t, resp.Error)
}

func TestExecuteCommandFailureIsTerminalOutcome(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		execute: func(id string, req session.ExecuteRequest) (string, error) {
			return "boom", &compute.CommandError{Output: "boom", ExitCode: 2}
		},
		status: func(string) (schema.State, error) { return schema.StateFailedBuild, nil },
	}, "")

	rec := doRequest(t, h, http.MethodPost, "/sessions/sess-1/execute", "",
		ExecuteRequest{Command: "build"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, schema.StateFailedBuild, resp.State)
	assert.Contains(t, resp.Error, "exit status 2")
}

func TestExecuteStateViolation(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		execute: func(id string, req session.ExecuteRequest) (string, error) {
			return "", fmt.Errorf("%w: cannot run before a build", session.ErrState)
		},
	}, "")

	rec := doRequest(t, h, http.MethodPost, "/sessions/sess-1/execute", "",
		ExecuteRequest{Command: "run"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecuteAsyncAccepted(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		execute: func(id string, req session.ExecuteRequest) (string, error) {
			assert.True(t, req.Async)
			return "", nil
		},
	}, "")

	rec := doRequest(t, h, http.MethodPost, "/sessions/sess-1/execute", "",
		ExecuteRequest{Command: "run", Async: true})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp ExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
}

func TestExecuteRejectsBadCommand(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{}, "")
	for _, command := range []string{"deploy", "common", ""} {
		rec := doRequest(t, h, http.MethodPost, "/sessions/sess-1/execute", "",
			ExecuteRequest{Command: command})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "command %q", command)
	}
}

func TestStop(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		stop: func(id string) error {
			assert.Equal(t, "sess-1", id)
			return nil
		},
	}, "")

	rec := doRequest(t, h, http.MethodPost, "/sessions/sess-1/stop", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListResults(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		results: func(id string) ([]schema.ResultInfo, error) {
			return []schema.ResultInfo{
				{Name: "report", Type: schema.ResultText, Available: true},
				{Name: "trace", Type: schema.ResultVCDTrace, Message: `parameter "tracing" is false`},
			}, nil
		},
	}, "")

	rec := doRequest(t, h, http.MethodGet, "/sessions/sess-1/results", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var results []schema.ResultInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.True(t, results[0].Available)
	assert.False(t, results[1].Available)
}

func TestGetResultServesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("run-complete"), 0o644))

	h := newTestServer(&fakeEngine{
		getResult: func(id, name string) (string, error) {
			assert.Equal(t, "report", name)
			return path, nil
		},
	}, "")

	rec := doRequest(t, h, http.MethodGet, "/sessions/sess-1/results/report", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-complete", rec.Body.String())
}

func TestRemoveSession(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		remove: func(id string, force bool) error {
			assert.Equal(t, "sess-1", id)
			assert.True(t, force)
			return nil
		},
	}, "")

	rec := doRequest(t, h, http.MethodDelete, "/sessions/sess-1?force=true", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHistory(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeEngine{
		history: func(id string) ([]history.Entry, error) {
			return []history.Entry{
				{ID: "e1", SessionID: id, Phase: history.PhaseBuild, State: "built"},
			}, nil
		},
	}, "")

	rec := doRequest(t, h, http.MethodGet, "/sessions/sess-1/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []HistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "build", entries[0].Phase)
	assert.Equal(t, "built", entries[0].State)
}
