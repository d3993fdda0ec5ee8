package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"signal-pipelinev1/pkg/errors"
)

func TestEvaluate_AND(t *testing.T) {
	g := Group{Section: S1, Logic: AND, Conditions: []Condition{
		MustCondition("price_velocity", ">", 0.5),
		MustCondition("volume_surge", ">=", 3.5),
	}}

	res := Evaluate(g, map[string]float64{"price_velocity": 0.6, "volume_surge": 3.5})
	assert.True(t, res.Passed())
	assert.Equal(t, map[string]float64{"price_velocity": 0.6, "volume_surge": 3.5}, res.Triggers)

	res = Evaluate(g, map[string]float64{"price_velocity": 0.6, "volume_surge": 2})
	assert.Equal(t, Pending, res.Status)
}

func TestEvaluate_OR(t *testing.T) {
	g := Group{Section: E1, Logic: OR, Conditions: []Condition{
		MustCondition("pnl_pct", "<=", -5),
		MustCondition("volatility", ">", 0.2),
	}}

	res := Evaluate(g, map[string]float64{"pnl_pct": -6})
	assert.True(t, res.Passed())
	assert.Equal(t, []string{"volatility"}, res.Missing)

	res = Evaluate(g, map[string]float64{"pnl_pct": -1, "volatility": 0.1})
	assert.False(t, res.Passed())
}

func TestEvaluate_MissingKeyIsPending(t *testing.T) {
	g := Group{Section: S1, Logic: AND, Conditions: []Condition{MustCondition("price_velocity", ">", 0.5)}}
	res := Evaluate(g, map[string]float64{})
	assert.Equal(t, Pending, res.Status)
	assert.Equal(t, []string{"price_velocity"}, res.Missing)

	// a "!=" test on a missing key must not pass either
	ne := Group{Section: S1, Logic: OR, Conditions: []Condition{MustCondition("x", "!=", 0)}}
	assert.False(t, Evaluate(ne, nil).Passed())

	assert.Equal(t, Pending, Evaluate(Group{Logic: OR}, map[string]float64{"x": 1}).Status)
}

func TestCondition_KeyNormalizedAtAuthoring(t *testing.T) {
	c := MustCondition("  PRICE_VELOCITY ", "GT", 0.5)
	assert.Equal(t, "price_velocity", c.Key)
	assert.Equal(t, GT, c.Op)

	g := Group{Section: S1, Logic: AND, Conditions: []Condition{c}}
	assert.True(t, Evaluate(g, map[string]float64{"price_velocity": 0.9}).Passed())
}

func TestOperators(t *testing.T) {
	cases := []struct {
		op   string
		v    float64
		want bool
	}{
		{">", 2, true}, {">", 1, false},
		{"<", 0, true}, {"<", 1, false},
		{">=", 1, true}, {"<=", 1, true},
		{"==", 1 + 1e-12, true}, {"==", 1.1, false},
		{"!=", 1.1, true}, {"!=", 1, false},
	}
	for _, tc := range cases {
		op, err := ParseOperator(tc.op)
		require.NoError(t, err)
		assert.Equalf(t, tc.want, op.Apply(tc.v, 1), "%v %s 1", tc.v, tc.op)
	}

	_, err := ParseOperator("~=")
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfig))
}

func TestNewCondition_Rejects(t *testing.T) {
	_, err := NewCondition("", ">", 1)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfig))
}

func TestGroup_YAML(t *testing.T) {
	src := `
section: s1
logic: and
conditions:
  - indicator: PumpFast
    operator: ">"
    value: 0.5
  - indicator: Volume_Surge
    operator: gte
    value: 3.5
`
	var g Group
	require.NoError(t, yaml.Unmarshal([]byte(src), &g))
	assert.Equal(t, AND, g.Logic)
	require.Len(t, g.Conditions, 2)
	assert.Equal(t, "pumpfast", g.Conditions[0].Key)
	assert.Equal(t, GTE, g.Conditions[1].Op)
	assert.Equal(t, []string{"pumpfast", "volume_surge"}, g.Keys())

	g.Section = S1
	assert.NoError(t, g.Validate())
}

func TestGroup_Validate(t *testing.T) {
	bad := Group{Section: E1, Logic: "XOR", Conditions: []Condition{MustCondition("a", ">", 1)}}
	assert.True(t, errors.HasCode(bad.Validate(), errors.ErrCodeConfig))

	raw := Group{Section: S1, Logic: AND, Conditions: []Condition{{Key: "Mixed", Op: GT}}}
	assert.True(t, errors.HasCode(raw.Validate(), errors.ErrCodeConfig))

	sec, err := ParseSection("ze1")
	require.NoError(t, err)
	assert.Equal(t, ZE1, sec)
}
