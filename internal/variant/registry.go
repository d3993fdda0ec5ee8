package variant

import (
	"sort"
	"sync"

	"signal-pipelinev1/pkg/errors"
)

// Registry resolves variant IDs to definitions.
type Registry interface {
	Register(v Variant) (Variant, error)
	Get(id string) (Variant, error)
	MustResolve(id string) Variant
	List() []Variant
	ByBaseType(b BaseType) []Variant
}

// RegistryV1 is the in-memory Registry. Variants cannot be replaced once
// registered.
type RegistryV1 struct {
	mu       sync.RWMutex
	variants map[string]Variant
}

// NewRegistry creates an empty registry.
func NewRegistry() *RegistryV1 {
	return &RegistryV1{variants: make(map[string]Variant)}
}

// Register validates v, applies defaults and stores it under its
// normalized ID. Returns the stored variant.
func (r *RegistryV1) Register(v Variant) (Variant, error) {
	v = v.withDefaults()
	if err := v.Validate(); err != nil {
		return Variant{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := v.Key()
	if _, exists := r.variants[key]; exists {
		return Variant{}, errors.Newf(errors.ErrCodeConfig, "Register: variant %s already registered", v.ID)
	}
	r.variants[key] = v
	return v, nil
}

// Get returns the variant with the given ID, matched case-insensitively.
func (r *RegistryV1) Get(id string) (Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.variants[NormalizeKey(id)]
	if !ok {
		return Variant{}, errors.Newf(errors.ErrCodeConfig, "Get: variant %s not registered", id)
	}
	return v, nil
}

// MustResolve is Get for ids that are known to be registered, such as
// built-in variants installed at startup. It panics otherwise.
func (r *RegistryV1) MustResolve(id string) Variant {
	v, err := r.Get(id)
	if err != nil {
		panic(err)
	}
	return v
}

// List returns all variants sorted by key.
func (r *RegistryV1) List() []Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Variant, 0, len(r.variants))
	for _, v := range r.variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ByBaseType returns all variants using base type b, sorted by key.
func (r *RegistryV1) ByBaseType(b BaseType) []Variant {
	var out []Variant
	for _, v := range r.List() {
		if v.BaseType == b {
			out = append(out, v)
		}
	}
	return out
}
