package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/asset-flow/pkg/api/handler"
	"github.com/LENAX/asset-flow/pkg/config"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/engine"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type apiHarness struct {
	eng    *engine.Engine
	router *gin.Engine
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	cfg := config.Default()
	af := &cfg.AssetFlow
	af.General.LogLevel = "error"
	af.Storage.Database.DSN = filepath.Join(t.TempDir(), "api.db")
	af.Notification.SweepInterval = time.Hour

	eng, err := engine.NewBuilder("").WithConfig(cfg).Build()
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	eng.Backend().PutAsset("A-1", "in_stock")
	eng.Backend().PutItem("ITEM-1", 3, 5)

	return &apiHarness{eng: eng, router: SetupRouter(eng, "test")}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{types.NewValidationError("op", "bad"), http.StatusBadRequest},
		{types.NewNotFoundError("op", "missing"), http.StatusNotFound},
		{types.NewConflictError("op", "stale"), http.StatusConflict},
		{types.NewPermanentError("op", errors.New("boom")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, handler.StatusFor(tc.err), tc.err.Error())
	}
}

func TestHealthAndReady(t *testing.T) {
	h := newAPIHarness(t)
	w, env := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.Code)

	w, _ = h.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWorkflowEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	w, env := h.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{"workflow_type": "asset-lifecycle-transition"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 400, env.Code)

	w, _ = h.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"workflow_type": "no-such-workflow", "initiator": "alice",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = h.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"workflow_type": "asset-lifecycle-transition",
		"initiator":     "alice",
		"configuration": map[string]any{"asset_id": "A-1", "target_status": "retired"},
	})
	require.Equal(t, http.StatusCreated, w.Code, string(env.Data))
	var snap struct {
		Instance types.WorkflowInstance `json:"instance"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	id := snap.Instance.ID
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		_, env := h.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil)
		var s struct {
			Instance types.WorkflowInstance `json:"instance"`
		}
		return json.Unmarshal(env.Data, &s) == nil && s.Instance.Status == types.InstanceCompleted
	}, 5*time.Second, 20*time.Millisecond)

	w, env = h.do(t, http.MethodGet, "/api/v1/workflows?workflow_type=asset-lifecycle-transition", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, 1, list.Total)

	w, _ = h.do(t, http.MethodGet, "/api/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = h.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/cancel", map[string]any{"actor": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "终态实例不能取消")

	w, _ = h.do(t, http.MethodGet, "/api/v1/workflows?status=Bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = h.do(t, http.MethodGet, "/api/v1/definitions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), "procurement-trigger")
}

func TestRuleEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	body := map[string]any{
		"name":         "reorder",
		"trigger_type": "StockLevelReached",
		"when":         "quantity <= reorder_level",
		"actions": []map[string]any{{
			"kind":   "create_procurement_request",
			"params": map[string]any{"item_id_field": "item_id", "quantity": 10},
		}},
	}

	w, env := h.do(t, http.MethodPost, "/api/v1/rules", body)
	require.Equal(t, http.StatusCreated, w.Code, env.Message)
	var rule types.AutomationRule
	require.NoError(t, json.Unmarshal(env.Data, &rule))
	assert.True(t, rule.Active)
	require.NotNil(t, rule.Conditions)

	w, _ = h.do(t, http.MethodPost, "/api/v1/rules", body)
	assert.Equal(t, http.StatusBadRequest, w.Code, "重名规则")

	w, env = h.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"id":      "evt-api-1",
		"type":    "StockLevelReached",
		"payload": map[string]any{"item_id": "ITEM-1", "quantity": 3, "reorder_level": 5},
		"sync":    true,
	})
	require.Equal(t, http.StatusOK, w.Code, env.Message)
	var eval struct {
		Matched int `json:"matched"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &eval))
	assert.Equal(t, 1, eval.Matched)
	assert.Len(t, h.eng.Backend().Procurements(), 1)

	w, env = h.do(t, http.MethodGet, "/api/v1/rules/"+rule.ID+"/logs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"success":true`)

	w, env = h.do(t, http.MethodPost, "/api/v1/rules/"+rule.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var disabled types.AutomationRule
	require.NoError(t, json.Unmarshal(env.Data, &disabled))
	assert.False(t, disabled.Active)

	stale := map[string]any{}
	for k, v := range body {
		stale[k] = v
	}
	stale["version"] = 99
	w, _ = h.do(t, http.MethodPut, "/api/v1/rules/"+rule.ID, stale)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = h.do(t, http.MethodPost, "/api/v1/rules/missing/enable", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = h.do(t, http.MethodDelete, "/api/v1/rules/"+rule.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventIngestRejectsUnknownTrigger(t *testing.T) {
	h := newAPIHarness(t)
	w, _ := h.do(t, http.MethodPost, "/api/v1/events", map[string]any{"type": "Nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"type":    "AssetStatusChanged",
		"payload": map[string]any{"asset_id": "A-1"},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestApprovalAndNotificationEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	w, env := h.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"workflow_type": "asset-lifecycle-transition",
		"initiator":     "alice",
		"configuration": map[string]any{"asset_id": "A-1", "target_status": "retired", "asset_value": 9000},
	})
	require.Equal(t, http.StatusCreated, w.Code, env.Message)

	var approvals struct {
		Items []types.Approval `json:"items"`
	}
	require.Eventually(t, func() bool {
		_, env := h.do(t, http.MethodGet, "/api/v1/approvals?source=workflow", nil)
		return json.Unmarshal(env.Data, &approvals) == nil && len(approvals.Items) == 1
	}, 5*time.Second, 20*time.Millisecond)

	w, _ = h.do(t, http.MethodGet, "/api/v1/approvals?source=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(t, http.MethodPost, "/api/v1/approvals/"+approvals.Items[0].ID+"/reject", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "缺少审批人")

	w, env = h.do(t, http.MethodPost, "/api/v1/approvals/"+approvals.Items[0].ID+"/reject", map[string]any{
		"actor": "bob", "comment": "预算不足",
	})
	require.Equal(t, http.StatusOK, w.Code, env.Message)
	assert.Contains(t, string(env.Data), string(types.InstanceFailed))

	w, _ = h.do(t, http.MethodPost, "/api/v1/approvals/"+approvals.Items[0].ID+"/approve", map[string]any{"actor": "bob"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, env = h.do(t, http.MethodPost, "/api/v1/subscriptions", map[string]any{
		"event_type": "workflow.failed", "channel": "in_app", "notify_initiator": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, env.Message)

	w, _ = h.do(t, http.MethodPost, "/api/v1/subscriptions", map[string]any{"event_type": "workflow.failed", "channel": "fax"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = h.do(t, http.MethodPost, "/api/v1/notifications/replay", nil)
	require.Equal(t, http.StatusOK, w.Code, env.Message)
	assert.Contains(t, string(env.Data), `"replayed":0`)

	w, _ = h.do(t, http.MethodPost, "/api/v1/notifications/missing/read", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = h.do(t, http.MethodGet, "/ws/notifications?recipient=alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "推送渠道未启用")
}
