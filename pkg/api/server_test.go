package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantmesh/grantmesh/pkg/config"
	"github.com/grantmesh/grantmesh/pkg/metrics"
	"github.com/grantmesh/grantmesh/pkg/models"
	"github.com/grantmesh/grantmesh/pkg/orchestrator"
)

func newTestRouter(t *testing.T) (*gin.Engine, *orchestrator.Orchestrator) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Bus.ProcessingInterval = 5 * time.Millisecond
	cfg.Orchestrator.ShutdownGrace = 100 * time.Millisecond

	reg := prometheus.NewRegistry()
	orch := orchestrator.New(cfg, metrics.NewRecorder(reg))
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Shutdown)

	return NewServer(orch, nil, reg).Router(), orch
}

func doRequest(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func submitGrant(t *testing.T, router *gin.Engine) int64 {
	t.Helper()
	w := doRequest(t, router, http.MethodPost, "/api/v1/grants",
		`{"applicant":"0xA1b2","project_name":"mesh-indexer","amount":25000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeJSON(t, w)
	return int64(created["id"].(float64))
}

func TestCreateGrant(t *testing.T) {
	router, _ := newTestRouter(t)

	id := submitGrant(t, router)
	assert.Equal(t, int64(1), id)

	w := doRequest(t, router, http.MethodGet, "/api/v1/workflows/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeJSON(t, w)
	assert.Equal(t, "evaluation", status["stage"])
	assert.Equal(t, float64(20), status["progress"])
}

func TestCreateGrant_BadBody(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(t, router, http.MethodPost, "/api/v1/grants", `{"applicant":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, router, http.MethodPost, "/api/v1/grants",
		`{"applicant":"x","project_name":"y","amount":-5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetGrant(t *testing.T) {
	router, _ := newTestRouter(t)
	submitGrant(t, router)

	w := doRequest(t, router, http.MethodGet, "/api/v1/grants/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	grant := body["grant"].(map[string]any)
	assert.Equal(t, "mesh-indexer", grant["project_name"])
	assert.Equal(t, "pending", grant["status"], "grant stays pending during evaluation")

	assert.Equal(t, http.StatusNotFound,
		doRequest(t, router, http.MethodGet, "/api/v1/grants/99", "").Code)
	assert.Equal(t, http.StatusBadRequest,
		doRequest(t, router, http.MethodGet, "/api/v1/grants/abc", "").Code)
}

func TestListGrants_StatusFilter(t *testing.T) {
	router, _ := newTestRouter(t)
	submitGrant(t, router)

	w := doRequest(t, router, http.MethodGet, "/api/v1/grants?status=pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	var grants []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grants))
	assert.Len(t, grants, 1, "in-flight grants stay listed as pending")

	w = doRequest(t, router, http.MethodGet, "/api/v1/grants?status=approved", "")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusBadRequest,
		doRequest(t, router, http.MethodGet, "/api/v1/grants?status=bogus", "").Code)
}

func TestAbortWorkflow(t *testing.T) {
	router, _ := newTestRouter(t)
	submitGrant(t, router)

	w := doRequest(t, router, http.MethodPost, "/api/v1/workflows/1/abort",
		`{"reason":"withdrawn"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// Aborting a terminal workflow conflicts.
	w = doRequest(t, router, http.MethodPost, "/api/v1/workflows/1/abort", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, http.StatusNotFound,
		doRequest(t, router, http.MethodPost, "/api/v1/workflows/42/abort", "").Code)
}

func TestListWorkflows(t *testing.T) {
	router, _ := newTestRouter(t)
	submitGrant(t, router)

	w := doRequest(t, router, http.MethodGet, "/api/v1/workflows?active=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	var workflows []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &workflows))
	assert.Len(t, workflows, 1)
}

func TestAgentEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(t, router, http.MethodGet, "/api/v1/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	agents := body["agents"].([]any)
	assert.Len(t, agents, len(models.AllAgentTypes()))

	w = doRequest(t, router, http.MethodGet, "/api/v1/agents/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeJSON(t, w)
	assert.Equal(t, "healthy", health["system"])

	w = doRequest(t, router, http.MethodGet, "/api/v1/agents/health/technical", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeJSON(t, w)["status"])

	assert.Equal(t, http.StatusBadRequest,
		doRequest(t, router, http.MethodGet, "/api/v1/agents/health/bogus", "").Code)
}

func TestMessageEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)
	submitGrant(t, router)

	w := doRequest(t, router, http.MethodGet, "/api/v1/grants/1/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.NotEmpty(t, records, "grant submission queues evaluation requests")

	msg := records[0]["message"].(map[string]any)
	id := msg["id"].(string)
	w = doRequest(t, router, http.MethodGet, "/api/v1/messages/"+id, "")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusNotFound,
		doRequest(t, router, http.MethodGet, "/api/v1/messages/nope", "").Code)
}

func TestStatsAndHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	submitGrant(t, router)

	w := doRequest(t, router, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeJSON(t, w)
	assert.Equal(t, float64(1), stats["grants_processed"])
	assert.Equal(t, float64(1), stats["active_workflows"])

	w = doRequest(t, router, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeJSON(t, w)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	submitGrant(t, router)

	w := doRequest(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "grantmesh_messages_sent_total")
	assert.Contains(t, w.Body.String(), "grantmesh_workflows_started_total")
}
