package providers

import (
	"fmt"
	"strings"
)

// ModelRef is a parsed "provider/modelId" reference.
type ModelRef struct {
	Provider string
	Model    string
}

func (r ModelRef) String() string {
	if r.Provider == "" {
		return r.Model
	}
	return r.Provider + "/" + r.Model
}

// ParseModelRef splits "provider/modelId". A bare model ID keeps the provider
// empty and resolves against the default provider.
func ParseModelRef(spec string) (ModelRef, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return ModelRef{}, fmt.Errorf("empty model spec")
	}
	provider, model, found := strings.Cut(spec, "/")
	if !found {
		return ModelRef{Model: spec}, nil
	}
	if provider == "" || model == "" {
		return ModelRef{}, fmt.Errorf("invalid model spec %q", spec)
	}
	return ModelRef{Provider: provider, Model: model}, nil
}

// Registry resolves model refs to providers. Slots ("main", "fast") name the
// configured default model for a purpose.
type Registry struct {
	providers map[string]Provider
	defaults  string // default provider name for bare model IDs
	slots     map[string]ModelRef
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		slots:     make(map[string]ModelRef),
	}
}

// Register adds a provider. The first registered provider becomes the default.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
	if r.defaults == "" {
		r.defaults = p.Name()
	}
}

// SetSlot binds a slot name ("main", "fast") to a model spec.
func (r *Registry) SetSlot(slot, spec string) error {
	ref, err := ParseModelRef(spec)
	if err != nil {
		return fmt.Errorf("slot %s: %w", slot, err)
	}
	r.slots[slot] = ref
	return nil
}

// Slot returns the model ref bound to a slot.
func (r *Registry) Slot(slot string) (ModelRef, bool) {
	ref, ok := r.slots[slot]
	return ref, ok
}

// Resolve returns the provider and model for a spec. An empty spec resolves the
// given slot instead.
func (r *Registry) Resolve(spec, fallbackSlot string) (Provider, string, error) {
	var ref ModelRef
	if spec != "" {
		parsed, err := ParseModelRef(spec)
		if err != nil {
			return nil, "", err
		}
		ref = parsed
	} else {
		slotRef, ok := r.slots[fallbackSlot]
		if !ok {
			return nil, "", fmt.Errorf("model slot %q not configured", fallbackSlot)
		}
		ref = slotRef
	}

	name := ref.Provider
	if name == "" {
		name = r.defaults
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, "", fmt.Errorf("provider %q not registered", name)
	}
	return p, ref.Model, nil
}
