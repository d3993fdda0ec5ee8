package strategy

import (
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"signal-pipelinev1/internal/condition"
	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/internal/variant"
	"signal-pipelinev1/pkg/errors"
)

// Priority decides which of O1 and Z1 is tried first when both could pass
// in the same evaluation.
type Priority string

const (
	CancelFirst Priority = "cancel_first"
	EntryFirst  Priority = "entry_first"
)

// Defaults.
const (
	DefaultEntryTimeout = 60.0  // seconds
	DefaultCooldown     = 300.0 // seconds
)

// Built-in keys the engine adds to every evaluation.
const (
	KeyPrice       = "price"
	KeyPnLPct      = "pnl_pct"
	KeySignalAge   = "signal_age_s"
	KeyPositionAge = "position_age_s"
)

// IsBuiltin reports whether key is supplied by the engine rather than the
// indicator cache.
func IsBuiltin(key string) bool {
	switch key {
	case KeyPrice, KeyPnLPct, KeySignalAge, KeyPositionAge:
		return true
	}
	return false
}

// Definition is one strategy version.
type Definition struct {
	ID                string          `json:"id" validate:"required"`
	Name              string          `json:"name"`
	Enabled           bool            `json:"enabled"`
	Deleted           bool            `json:"deleted"`
	Side              model.Side      `json:"side" validate:"oneof=BUY SELL"`
	Budget            decimal.Decimal `json:"budget"`
	EntryTimeout      float64         `json:"entry_timeout_seconds" validate:"gt=0"`
	CancelMinAge      float64         `json:"cancel_min_age_seconds" validate:"gte=0"`
	Cooldown          float64         `json:"cooldown_seconds" validate:"gte=0"`
	EmergencyCooldown float64         `json:"emergency_cooldown_seconds" validate:"gte=0"`
	SignalPriority    Priority        `json:"signal_priority" validate:"oneof=cancel_first entry_first"`
	Symbols           []string        `json:"symbols"`

	Sections map[condition.Section]condition.Group `json:"sections"`
}

// Loadable reports whether the definition may run.
func (d *Definition) Loadable() bool { return d.Enabled && !d.Deleted }

// WithDefaults fills unset timing fields, side and priority.
func (d Definition) WithDefaults() Definition {
	if d.Side == "" {
		d.Side = model.SideBuy
	}
	if d.EntryTimeout == 0 {
		d.EntryTimeout = DefaultEntryTimeout
	}
	if d.Cooldown == 0 {
		d.Cooldown = DefaultCooldown
	}
	if d.EmergencyCooldown == 0 {
		d.EmergencyCooldown = d.Cooldown
	}
	if d.SignalPriority == "" {
		d.SignalPriority = CancelFirst
	}
	for sec, g := range d.Sections {
		if g.Section == "" {
			g.Section = sec
			d.Sections[sec] = g
		}
	}
	return d
}

// Validate checks the definition. S1, Z1 and E1 are required, E1 must be
// OR logic and every group must be well formed.
func (d *Definition) Validate() error {
	if err := validator.New().Struct(d); err != nil {
		return errors.Wrap(errors.ErrCodeConfig, "strategy "+d.ID+": invalid definition", err)
	}
	if !d.Budget.IsPositive() {
		return errors.Newf(errors.ErrCodeConfig, "strategy %s: budget must be positive", d.ID)
	}
	for _, sec := range []condition.Section{condition.S1, condition.Z1, condition.E1} {
		if _, ok := d.Sections[sec]; !ok {
			return errors.Newf(errors.ErrCodeConfig, "strategy %s: section %s is required", d.ID, sec)
		}
	}
	if d.Sections[condition.E1].Logic != condition.OR {
		return errors.Newf(errors.ErrCodeConfig, "strategy %s: E1 must use OR logic", d.ID)
	}
	for sec, g := range d.Sections {
		if g.Section != sec {
			return errors.Newf(errors.ErrCodeConfig, "strategy %s: group %s filed under %s", d.ID, g.Section, sec)
		}
		if err := g.Validate(); err != nil {
			return errors.Wrapf(errors.ErrCodeConfig, err, "strategy %s", d.ID)
		}
	}
	return nil
}

// IndicatorKeys returns the distinct cache keys the definition reads,
// excluding built-ins, sorted.
func (d *Definition) IndicatorKeys() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, g := range d.Sections {
		for _, k := range g.Keys() {
			if IsBuiltin(k) {
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// group returns the section's group and whether it is defined.
func (d *Definition) group(sec condition.Section) (condition.Group, bool) {
	g, ok := d.Sections[sec]
	return g, ok
}

// yamlDefinition is the file form of a Definition.
type yamlDefinition struct {
	ID                string                     `yaml:"id"`
	Name              string                     `yaml:"name"`
	Enabled           *bool                      `yaml:"enabled"`
	Deleted           bool                       `yaml:"deleted"`
	Side              string                     `yaml:"side"`
	Budget            string                     `yaml:"budget"`
	EntryTimeout      float64                    `yaml:"entry_timeout_seconds"`
	CancelMinAge      float64                    `yaml:"cancel_min_age_seconds"`
	Cooldown          float64                    `yaml:"cooldown_seconds"`
	EmergencyCooldown float64                    `yaml:"emergency_cooldown_seconds"`
	SignalPriority    string                     `yaml:"signal_priority"`
	Symbols           []string                   `yaml:"symbols"`
	Sections          map[string]condition.Group `yaml:"sections"`
}

// UnmarshalYAML decodes the file form. enabled defaults to true; section
// names and side are case-insensitive.
func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	var raw yamlDefinition
	if err := node.Decode(&raw); err != nil {
		return err
	}

	budget := decimal.Zero
	if raw.Budget != "" {
		var err error
		if budget, err = decimal.NewFromString(raw.Budget); err != nil {
			return errors.Wrapf(errors.ErrCodeConfig, err, "strategy %s: budget %q", raw.ID, raw.Budget)
		}
	}

	sections := make(map[condition.Section]condition.Group, len(raw.Sections))
	for name, g := range raw.Sections {
		sec, err := condition.ParseSection(name)
		if err != nil {
			return errors.Wrapf(errors.ErrCodeConfig, err, "strategy %s", raw.ID)
		}
		g.Section = sec
		sections[sec] = g
	}

	symbols := make([]string, 0, len(raw.Symbols))
	for _, s := range raw.Symbols {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(s)))
	}

	*d = Definition{
		ID:                raw.ID,
		Name:              raw.Name,
		Enabled:           raw.Enabled == nil || *raw.Enabled,
		Deleted:           raw.Deleted,
		Side:              model.Side(strings.ToUpper(raw.Side)),
		Budget:            budget,
		EntryTimeout:      raw.EntryTimeout,
		CancelMinAge:      raw.CancelMinAge,
		Cooldown:          raw.Cooldown,
		EmergencyCooldown: raw.EmergencyCooldown,
		SignalPriority:    Priority(strings.ToLower(raw.SignalPriority)),
		Symbols:           symbols,
		Sections:          sections,
	}
	return nil
}

// ResolveKeys maps every indicator key of d to a registered variant.
// Keys naming a base type resolve when exactly one variant of that type
// is registered. Unknown keys fail with ErrCodeConfig.
func ResolveKeys(d *Definition, reg variant.Registry) ([]variant.Variant, error) {
	var out []variant.Variant
	seen := map[string]struct{}{}
	for _, key := range d.IndicatorKeys() {
		v, err := reg.Get(key)
		if err != nil {
			candidates := reg.ByBaseType(variant.BaseType(key))
			if len(candidates) != 1 {
				return nil, errors.Newf(errors.ErrCodeConfig,
					"strategy %s: indicator %q matches no variant (%d of that base type)", d.ID, key, len(candidates))
			}
			v = candidates[0]
		}
		if _, dup := seen[v.Key()]; dup {
			continue
		}
		seen[v.Key()] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}
