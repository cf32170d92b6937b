package admin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow-core/taskflow/internal/admin"
	"github.com/taskflow-core/taskflow/internal/flow"
	"github.com/taskflow-core/taskflow/internal/platform/config"
	"github.com/taskflow-core/taskflow/internal/platform/container"
	"github.com/taskflow-core/taskflow/internal/platform/health"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
)

func newTestServer(t *testing.T) (*admin.Server, *admin.Hub, *flow.Manager) {
	t.Helper()
	log := logger.New(config.LoggerConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	hub := admin.NewHub(log)
	flows := flow.NewManager(0, log, nil)
	flows.AddEventSink(hub)

	h := health.NewHandler("taskflowd-test", "test")
	h.AddCheck("workers", health.WorkerPoolChecker(func() int { return 2 }))

	cfg := &config.Config{}
	cfg.HTTP.Port = 0
	cfg.HTTP.ReadTimeout = time.Second
	cfg.HTTP.WriteTimeout = time.Second

	srv, err := admin.New(
		admin.WithConfig(cfg),
		admin.WithLogger(log),
		admin.WithHub(hub),
		admin.WithFlowManager(flows),
		admin.WithHealth(h),
		admin.WithServiceHealth(func(ctx context.Context) []*container.ServiceHealthCheck {
			return []*container.ServiceHealthCheck{{Name: container.ServiceTaskQueue, Status: "healthy"}}
		}),
	)
	require.NoError(t, err)
	return srv, hub, flows
}

func TestServicesEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/services")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			Services []struct {
				Name   string `json:"name"`
				Status string `json:"status"`
			} `json:"services"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Data.Services, 1)
	assert.Equal(t, "healthy", body.Data.Services[0].Status)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorkflowStatusEndpoints(t *testing.T) {
	srv, _, flows := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	b := flows.Create()
	step := flow.NewStep("only", flow.FuncLogic{
		CreateFn: func(context.Context, flow.Params) (uuid.UUID, error) { return uuid.New(), nil },
	}, 0)
	require.NoError(t, b.ThenDo(step, ""))
	flows.Poll(context.Background())

	resp, err := http.Get(ts.URL + "/api/v1/workflows")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			Workflows []struct {
				ID        string `json:"id"`
				StepCount int    `json:"step_count"`
			} `json:"workflows"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Data.Workflows, 1)
	assert.Equal(t, 1, body.Data.Workflows[0].StepCount)

	detail, err := http.Get(ts.URL + "/api/v1/workflows/" + body.Data.Workflows[0].ID)
	require.NoError(t, err)
	defer detail.Body.Close()
	assert.Equal(t, http.StatusOK, detail.StatusCode)

	missing, err := http.Get(ts.URL + "/api/v1/workflows/" + uuid.NewString())
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestEventStreamDeliversStepTransitions(t *testing.T) {
	srv, hub, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.StepTransition(uuid.New(), "only", flow.StatePending, "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event admin.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, admin.EventStepTransition, event.Type)
	assert.Equal(t, "only", event.Data["step"])
	assert.Equal(t, "pending", event.Data["state"])
}
