package condition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FieldReference(t *testing.T) {
	cond, err := Parse("quantity < reorderLevel")
	require.NoError(t, err)
	assert.Equal(t, OpLt, cond.Op)
	assert.Equal(t, "quantity", cond.Field)
	assert.Equal(t, "reorderLevel", cond.ValueField)

	ok, err := cond.Evaluate(map[string]any{"quantity": 3, "reorderLevel": 5})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond.Evaluate(map[string]any{"quantity": 7, "reorderLevel": 5})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParse_Precedence(t *testing.T) {
	cond, err := Parse(`status == "active" OR priority >= 3 AND site != 'lab'`)
	require.NoError(t, err)
	require.Equal(t, OpOr, cond.Op)
	require.Len(t, cond.Conditions, 2)
	assert.Equal(t, OpAnd, cond.Conditions[1].Op)

	ok, err := cond.Evaluate(map[string]any{"status": "retired", "priority": 5, "site": "hq"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond.Evaluate(map[string]any{"status": "retired", "priority": 5, "site": "lab"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParse_InNotExists(t *testing.T) {
	cond, err := Parse(`category IN ["laptop", "monitor"] AND NOT EXISTS assignee`)
	require.NoError(t, err)

	ok, err := cond.Evaluate(map[string]any{"category": "laptop"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond.Evaluate(map[string]any{"category": "laptop", "assignee": "u-1"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = cond.Evaluate(map[string]any{"category": "chair"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParse_Errors(t *testing.T) {
	for _, expr := range []string{
		"",
		"quantity <",
		"(quantity < 3",
		`name == "unterminated`,
		"quantity ~ 3",
		"quantity < 3 extra",
	} {
		_, err := Parse(expr)
		assert.Error(t, err, "表达式应解析失败: %q", expr)
	}
}

func TestEvaluate_NestedPathAndMissingField(t *testing.T) {
	cond := Compare("item.location.site", OpEq, "hq")
	payload := map[string]any{"item": map[string]any{"location": map[string]any{"site": "hq"}}}

	ok, err := cond.Evaluate(payload)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond.Evaluate(map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok, "缺失字段应视为不满足")
}

func TestEvaluate_IncomparableTypes(t *testing.T) {
	cond := Compare("tags", OpGt, 3)
	_, err := cond.Evaluate(map[string]any{"tags": []any{"a"}})
	assert.Error(t, err)
}

func TestCondition_JSONRoundTrip(t *testing.T) {
	original := And(
		CompareFields("quantity", OpLt, "reorderLevel"),
		Compare("active", OpEq, false),
	)
	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Condition
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, decoded.Validate())

	ok, err := decoded.Evaluate(map[string]any{"quantity": 1.0, "reorderLevel": 4.0, "active": false})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidate(t *testing.T) {
	assert.Error(t, (&Condition{Op: "xor"}).Validate())
	assert.Error(t, (&Condition{Op: OpAnd}).Validate())
	assert.Error(t, (&Condition{Op: OpEq}).Validate())
	assert.Error(t, (&Condition{Op: OpIn, Field: "x", Value: "notalist"}).Validate())
	assert.NoError(t, Compare("x", OpIn, []any{"a"}).Validate())
}

func TestString(t *testing.T) {
	cond := MustParse(`quantity < reorderLevel AND site == "hq"`)
	assert.Equal(t, `quantity < reorderLevel AND site == "hq"`, cond.String())

	again, err := Parse(cond.String())
	require.NoError(t, err)
	assert.Equal(t, cond, again)
}
