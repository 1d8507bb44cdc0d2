package authz

import (
	"context"
	"sort"
)

// EntityLookup resolves a resource id of one type against its owning module.
// Name may be nil when the type has no display name.
type EntityLookup struct {
	Exists func(ctx context.Context, id string) (bool, error)
	Name   func(ctx context.Context, id string) (string, error)
}

// Registry maps resource types to their entity lookups. Types without a
// registration (script, system, node) have no entity collaborator here and
// are skipped by the orphan sweep.
type Registry struct {
	lookups map[ResourceType]EntityLookup
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{lookups: make(map[ResourceType]EntityLookup)}
}

// Register attaches a lookup for the given type, replacing any previous one.
func (r *Registry) Register(t ResourceType, lookup EntityLookup) {
	r.lookups[t] = lookup
}

// Lookup returns the lookup for the given type.
func (r *Registry) Lookup(t ResourceType) (EntityLookup, bool) {
	lookup, ok := r.lookups[t]
	return lookup, ok
}

// Types returns the registered types in stable order.
func (r *Registry) Types() []ResourceType {
	types := make([]ResourceType, 0, len(r.lookups))
	for t := range r.lookups {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
