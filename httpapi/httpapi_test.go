package httpapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"flow.evalgo.org/definition"
	"flow.evalgo.org/engine"
	"flow.evalgo.org/eventbus"
	"flow.evalgo.org/gateway"
	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/instance"
	"flow.evalgo.org/model"
	"flow.evalgo.org/token"
	"flow.evalgo.org/topic"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	echo      *echo.Echo
	engine    *engine.Engine
	instances *instance.Store
	tokens    *token.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	graph, err := graphstore.Open(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = graph.Close() })

	instances := instance.New(graph)
	tokens := token.New(graph)
	gateways := gateway.New(graph, instances)
	topics := topic.New()
	bus := eventbus.New()
	eng := engine.New(graph, instances, tokens, gateways, topics, bus, nil)

	const processURI = "process/http-linear"
	loader := definition.NewLoader(graph, processURI)
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: processURI + "/start", Type: model.NodeStartEvent, IsStartEvent: true}))
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: processURI + "/approve", Type: model.NodeUserTask}))
	require.NoError(t, loader.AddNode(definition.NodeSpec{URI: processURI + "/end", Type: model.NodeEndEvent}))
	require.NoError(t, loader.AddFlow(definition.FlowSpec{URI: processURI + "/f1", Source: processURI + "/start", Target: processURI + "/approve", Order: 0}))
	require.NoError(t, loader.AddFlow(definition.FlowSpec{URI: processURI + "/f2", Source: processURI + "/approve", Target: processURI + "/end", Order: 0}))

	e := echo.New()
	New(eng, nil).RegisterRoutes(e.Group(""))
	return &testServer{echo: e, engine: eng, instances: instances, tokens: tokens}
}

// waitingTask finds the sole suspended token for instanceURI and returns the
// task created for it.
func (ts *testServer) waitingTask(t *testing.T, instanceURI string) string {
	t.Helper()
	all, err := ts.tokens.AllTokens(instanceURI)
	require.NoError(t, err)
	for _, tok := range all {
		if tok.State == model.TokenWaiting {
			taskURI, ok := ts.engine.TaskForToken(tok.URI)
			require.True(t, ok)
			return taskURI
		}
	}
	t.Fatalf("no waiting token found for instance %s", instanceURI)
	return ""
}

func TestHandleStartInstanceCreatesActiveInstance(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/instances", strings.NewReader(`{"processUri":"process/http-linear"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "instanceUri")
}

func TestHandleStartInstanceRejectsMissingProcessURI(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/instances", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStartInstanceReportsUnknownProcess(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/instances", strings.NewReader(`{"processUri":"process/does-not-exist"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleCompleteTaskResumesInstance(t *testing.T) {
	ts := newTestServer(t)

	instanceURI, err := ts.engine.StartInstance("process/http-linear", nil)
	require.NoError(t, err)

	taskURI := ts.waitingTask(t, instanceURI)

	req := httptest.NewRequest(http.MethodPost, "/tasks/"+pathEscape(taskURI)+"/complete", strings.NewReader(`{"completedBy":"alice","outputVariables":{"approved":"true"}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)

	state, err := ts.instances.State(instanceURI)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceCompleted, state)

	value, ok := ts.instances.GetVariable(instanceURI, "approved", "")
	require.True(t, ok)
	assert.Equal(t, "true", value)
}

func TestHandleCompleteTaskRejectsUnknownTask(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/tasks/"+pathEscape("task/does-not-exist")+"/complete", strings.NewReader(`{"completedBy":"alice"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleDeliverMessageRejectsMissingFields(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(`{"instanceUri":"instance/whatever"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSignalTimerRejectsUnknownToken(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/tokens/"+pathEscape("token/does-not-exist")+"/timer", nil)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleResumeInstanceRejectsUnknownInstance(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/instances/"+pathEscape("instance/does-not-exist")+"/resume", nil)
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func pathEscape(s string) string {
	return strings.ReplaceAll(s, "/", "%2F")
}
