package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/asset-flow/pkg/collaborator/memory"
	"github.com/LENAX/asset-flow/pkg/core/step"
	"github.com/LENAX/asset-flow/pkg/core/types"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	backend := memory.New(nil)
	reg := step.NewRegistry(step.Dependencies{Services: backend.Services(), Notifier: &recordingNotifier{}})
	return NewCatalog(reg)
}

const disposalYAML = `
workflows:
  - type: asset-disposal
    description: 资产报废
    required_config: [asset_id]
    steps:
      - name: validate
        kind: validation
        params:
          required: [asset_id]
      - name: approve
        kind: approval_gate
        optional: true
        when: "EXISTS book_value AND book_value >= 1000"
        params:
          amount: ${book_value}
          approvers: [finance]
      - name: retire
        kind: service_call
        timeout: 30s
        max_retries: 2
        params:
          operation: set_asset_status
          asset_id: ${asset_id}
          status: retired
      - name: notify
        kind: notification
        compensation: none
        params:
          notify_initiator: true
          subject: 资产 ${asset_id} 已报废
`

func TestCatalog_LoadYAML(t *testing.T) {
	c := newCatalog(t)
	names, err := c.LoadYAML([]byte(disposalYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"asset-disposal"}, names)

	def, err := c.Get("asset-disposal")
	require.NoError(t, err)
	require.Len(t, def.Steps, 4)
	assert.Equal(t, []string{"asset_id"}, def.RequiredConfig)

	approve := def.Steps[1]
	assert.True(t, approve.Optional)
	require.NotNil(t, approve.Precondition)
	ok, err := approve.Precondition.Evaluate(map[string]any{"book_value": 2500})
	require.NoError(t, err)
	assert.True(t, ok)

	retire := def.Steps[2]
	assert.Equal(t, 30*time.Second, retire.Timeout)
	assert.Equal(t, 2, retire.MaxRetries)
	assert.Equal(t, CompensationInverse, retire.Compensation)
	assert.Equal(t, CompensationNone, def.Steps[3].Compensation)
}

func TestCatalog_RejectsInvalidDefinitions(t *testing.T) {
	c := newCatalog(t)
	cases := map[string]Definition{
		"no steps":     {Type: "empty"},
		"unknown kind": {Type: "bad-kind", Steps: []StepDefinition{{Name: "x", Kind: "teleport"}}},
		"duplicate step": {Type: "dup", Steps: []StepDefinition{
			{Name: "a", Kind: types.StepKindValidation, Params: map[string]any{"required": []any{"x"}}},
			{Name: "a", Kind: types.StepKindValidation, Params: map[string]any{"required": []any{"y"}}},
		}},
		"bad params": {Type: "bad-params", Steps: []StepDefinition{
			{Name: "call", Kind: types.StepKindServiceCall, Params: map[string]any{"operation": "format_disk"}},
		}},
		"bad precondition": {Type: "bad-when", Steps: []StepDefinition{
			{Name: "a", Kind: types.StepKindValidation, When: "quantity >", Params: map[string]any{"required": []any{"x"}}},
		}},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			err := c.Register(def)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
	assert.Empty(t, c.List())
}

func TestCatalog_BuiltinsAndMissingConfig(t *testing.T) {
	c := newCatalog(t)
	require.NoError(t, c.RegisterBuiltins())

	defs := c.List()
	require.Len(t, defs, 4)
	assert.Equal(t, "asset-lifecycle-transition", defs[0].Type)

	def, err := c.Get("request-fulfillment")
	require.NoError(t, err)
	assert.Equal(t, []string{"item_id", "quantity"}, def.MissingConfig(map[string]any{"request_id": "R-1", "item_id": " "}))

	_, err = c.Get("missing")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCatalog_LoadDir(t *testing.T) {
	c := newCatalog(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "disposal.yaml"), []byte(disposalYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	names, err := c.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"asset-disposal"}, names)

	names, err = c.LoadDir(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Empty(t, names)
}
