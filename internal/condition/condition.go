// Package condition evaluates grouped threshold conditions against indicator
// values.
//
// Indicator keys are normalized once, when a Condition is constructed or
// decoded; Evaluate looks keys up verbatim.
package condition

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"signal-pipelinev1/internal/variant"
	"signal-pipelinev1/pkg/errors"
)

// Section names one of the five condition groups of a strategy.
type Section string

const (
	S1  Section = "S1"  // signal detection
	O1  Section = "O1"  // signal cancellation
	Z1  Section = "Z1"  // entry
	ZE1 Section = "ZE1" // planned close
	E1  Section = "E1"  // emergency exit
)

// Sections lists the sections in declaration order.
func Sections() []Section { return []Section{S1, O1, Z1, ZE1, E1} }

// ParseSection accepts any casing.
func ParseSection(s string) (Section, error) {
	sec := Section(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Sections() {
		if sec == known {
			return sec, nil
		}
	}
	return "", errors.Newf(errors.ErrCodeConfig, "unknown section %q", s)
}

// Logic combines the conditions of a group.
type Logic string

const (
	AND Logic = "AND"
	OR  Logic = "OR"
)

// Operator compares an indicator value with a threshold.
type Operator string

const (
	GT  Operator = ">"
	LT  Operator = "<"
	GTE Operator = ">="
	LTE Operator = "<="
	EQ  Operator = "=="
	NE  Operator = "!="
)

// epsilon is the tolerance of == and !=.
const epsilon = 1e-9

var operatorAliases = map[string]Operator{
	">": GT, "gt": GT,
	"<": LT, "lt": LT,
	">=": GTE, "gte": GTE, "ge": GTE,
	"<=": LTE, "lte": LTE, "le": LTE,
	"==": EQ, "=": EQ, "eq": EQ,
	"!=": NE, "<>": NE, "ne": NE,
}

// ParseOperator accepts symbols and their short names.
func ParseOperator(s string) (Operator, error) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", errors.Newf(errors.ErrCodeConfig, "unknown operator %q", s)
	}
	return op, nil
}

// Apply reports whether value op threshold holds.
func (o Operator) Apply(value, threshold float64) bool {
	switch o {
	case GT:
		return value > threshold
	case LT:
		return value < threshold
	case GTE:
		return value >= threshold
	case LTE:
		return value <= threshold
	case EQ:
		return math.Abs(value-threshold) <= epsilon
	case NE:
		return math.Abs(value-threshold) > epsilon
	}
	return false
}

// Condition is a single threshold test on one indicator key.
type Condition struct {
	Key       string   `yaml:"indicator" json:"indicator"`
	Op        Operator `yaml:"operator" json:"operator"`
	Threshold float64  `yaml:"value" json:"value"`
}

// NewCondition builds a condition with a normalized key.
func NewCondition(key, op string, threshold float64) (Condition, error) {
	parsed, err := ParseOperator(op)
	if err != nil {
		return Condition{}, err
	}
	c := Condition{Key: variant.NormalizeKey(key), Op: parsed, Threshold: threshold}
	if c.Key == "" {
		return Condition{}, errors.New(errors.ErrCodeConfig, "condition without indicator key")
	}
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return Condition{}, errors.Newf(errors.ErrCodeConfig, "condition %s: threshold must be finite", c.Key)
	}
	return c, nil
}

// MustCondition is NewCondition for statically known conditions.
func MustCondition(key, op string, threshold float64) Condition {
	c, err := NewCondition(key, op, threshold)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %g", c.Key, c.Op, c.Threshold)
}

// UnmarshalYAML normalizes the key and operator at authoring time.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Indicator string  `yaml:"indicator"`
		Operator  string  `yaml:"operator"`
		Value     float64 `yaml:"value"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := NewCondition(raw.Indicator, raw.Operator, raw.Value)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Group is the condition set of one strategy section.
type Group struct {
	Section    Section     `yaml:"section" json:"section"`
	Logic      Logic       `yaml:"logic" json:"logic"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
}

// Validate checks logic and that every condition went through NewCondition.
func (g Group) Validate() error {
	if g.Logic != AND && g.Logic != OR {
		return errors.Newf(errors.ErrCodeConfig, "section %s: logic must be AND or OR, got %q", g.Section, g.Logic)
	}
	if len(g.Conditions) == 0 {
		return errors.Newf(errors.ErrCodeConfig, "section %s: no conditions", g.Section)
	}
	for _, c := range g.Conditions {
		if c.Key == "" || c.Key != variant.NormalizeKey(c.Key) {
			return errors.Newf(errors.ErrCodeConfig, "section %s: key %q is not normalized", g.Section, c.Key)
		}
		if _, err := ParseOperator(string(c.Op)); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the distinct indicator keys the group reads, sorted.
func (g Group) Keys() []string {
	seen := make(map[string]struct{}, len(g.Conditions))
	out := make([]string, 0, len(g.Conditions))
	for _, c := range g.Conditions {
		if _, ok := seen[c.Key]; ok {
			continue
		}
		seen[c.Key] = struct{}{}
		out = append(out, c.Key)
	}
	sort.Strings(out)
	return out
}

// UnmarshalYAML normalizes logic casing; AND is the default.
func (g *Group) UnmarshalYAML(node *yaml.Node) error {
	type plain Group
	var raw plain
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw.Logic = Logic(strings.ToUpper(strings.TrimSpace(string(raw.Logic))))
	if raw.Logic == "" {
		raw.Logic = AND
	}
	*g = Group(raw)
	return nil
}
