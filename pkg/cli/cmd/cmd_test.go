package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/asset-flow/pkg/api"
	"github.com/LENAX/asset-flow/pkg/cli/output"
	"github.com/LENAX/asset-flow/pkg/config"
	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/engine"
	"github.com/LENAX/asset-flow/pkg/storage"
)

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"asset_id=A-1", "quantity=3", "urgent=true", "note=", "tags=[a, b]"})
	require.NoError(t, err)
	assert.Equal(t, "A-1", got["asset_id"])
	assert.Equal(t, 3, got["quantity"])
	assert.Equal(t, true, got["urgent"])
	assert.Equal(t, "", got["note"])
	assert.Equal(t, []any{"a", "b"}, got["tags"])

	_, err = parsePairs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parsePairs([]string{"=x"})
	assert.Error(t, err)
}

func TestChannelValue(t *testing.T) {
	var ch types.Channel
	v := newChannelValue(&ch)
	require.NoError(t, v.Set("sms"))
	assert.Equal(t, "sms", v.String())
	assert.Error(t, v.Set("fax"))
	assert.Equal(t, "channel", v.Type())
}

// run 执行一次命令并返回输出
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prev := output.Out
	output.Out = &buf
	defer func() { output.Out = prev }()

	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestCommandsAgainstServer(t *testing.T) {
	color.NoColor = true
	cfg := config.Default()
	af := &cfg.AssetFlow
	af.General.LogLevel = "error"
	af.Storage.Database.DSN = filepath.Join(t.TempDir(), "cmd.db")
	af.Notification.SweepInterval = time.Hour

	eng, err := engine.NewBuilder("").WithConfig(cfg).Build()
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	eng.Backend().PutItem("ITEM-1", 3, 5)
	eng.Backend().PutAsset("A-1", "in_stock")
	srv := httptest.NewServer(api.SetupRouter(eng, "test"))
	t.Cleanup(func() {
		srv.Close()
		eng.Stop()
	})

	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(`
rules:
  - name: reorder
    trigger_type: StockLevelReached
    when: quantity <= reorder_level
    actions:
      - kind: create_procurement_request
        params: {item_id_field: item_id, quantity: 20}
`), 0o644))

	base := []string{"--server", srv.URL, "--actor", "alice"}

	out, err := run(t, append([]string{"rule", "apply", "-f", rulesPath}, base...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "规则已导入: reorder")

	// 第二次导入按名称更新
	out, err = run(t, append([]string{"rule", "apply", "-f", rulesPath}, base...)...)
	require.NoError(t, err, out)
	rules, err := eng.ListRules(context.Background(), storage.RuleFilter{})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.EqualValues(t, 1, rules[0].Version)

	out, err = run(t, append([]string{"event", "publish", "StockLevelReached", "--sync", "--id", "evt-cmd-1",
		"--set", "item_id=ITEM-1", "--set", "quantity=3", "--set", "reorder_level=5"}, base...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "命中 1 条规则")
	assert.Len(t, eng.Backend().Procurements(), 1)

	out, err = run(t, append([]string{"workflow", "start", "asset-lifecycle-transition",
		"--set", "asset_id=A-1", "--set", "target_status=retired", "--set", "asset_value=800", "--json"}, base...)...)
	require.NoError(t, err, out)
	var started struct {
		Instance types.WorkflowInstance `json:"instance"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &started))
	require.NotEmpty(t, started.Instance.ID)

	require.Eventually(t, func() bool {
		out, err := run(t, append([]string{"approval", "list", "--json"}, base...)...)
		var list []*types.Approval
		return err == nil && json.Unmarshal([]byte(out), &list) == nil && len(list) == 1
	}, 5*time.Second, 20*time.Millisecond)

	out, err = run(t, append([]string{"workflow", "status", "missing"}, base...)...)
	require.Error(t, err)
	assert.Contains(t, out, "HTTP 404")

	out, err = run(t, append([]string{"event", "publish", "Whenever"}, base...)...)
	require.Error(t, err)
	assert.Contains(t, out, "未知的事件类型")

	out, err = run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Asset Flow CLI")
}
