package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"signal-pipelinev1/internal/strategy"
	"signal-pipelinev1/internal/variant"
	"signal-pipelinev1/pkg/errors"
)

// StrategyFile is the on-disk form of variant and strategy definitions.
type StrategyFile struct {
	Variants   []variant.Variant     `yaml:"variants"`
	Strategies []strategy.Definition `yaml:"strategies"`
}

// LoadStrategyFile reads and decodes a strategy file. Definitions are
// validated; disabled or deleted ones are kept so callers can report them.
func LoadStrategyFile(path string) (*StrategyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfig, "read strategy file "+path, err)
	}
	return ParseStrategyFile(raw)
}

// ParseStrategyFile decodes raw YAML.
func ParseStrategyFile(raw []byte) (*StrategyFile, error) {
	var f StrategyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfig, "decode strategy file", err)
	}
	seen := make(map[string]struct{}, len(f.Strategies))
	for i := range f.Strategies {
		def := f.Strategies[i].WithDefaults()
		if _, dup := seen[def.ID]; dup {
			return nil, errors.Newf(errors.ErrCodeConfig, "strategy %s defined twice", def.ID)
		}
		seen[def.ID] = struct{}{}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		f.Strategies[i] = def
	}
	return &f, nil
}

// RegisterVariants adds the file's variants to reg.
func (f *StrategyFile) RegisterVariants(reg variant.Registry) error {
	for _, v := range f.Variants {
		if _, err := reg.Register(v); err != nil {
			return err
		}
	}
	return nil
}

// Strategy returns the definition with the given ID.
func (f *StrategyFile) Strategy(id string) (strategy.Definition, bool) {
	for _, d := range f.Strategies {
		if d.ID == id {
			return d, true
		}
	}
	return strategy.Definition{}, false
}
