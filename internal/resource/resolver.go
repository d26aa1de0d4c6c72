// Package resource maps work unit kinds to the compute allocation they request.
package resource

import (
	"fmt"
	"sort"

	"github.com/me/cubesched/pkg/model"
)

// Resolver is a pure lookup from kind to ResourceProfile. It is safe for
// concurrent use because nothing changes after construction.
type Resolver struct {
	profiles map[string]model.ResourceProfile
	kinds    map[model.WorkUnitKind]string
}

// NewResolver validates every profile and every kind binding up front.
func NewResolver(profiles map[string]model.ResourceProfile, kinds map[string]string) (*Resolver, error) {
	r := &Resolver{
		profiles: make(map[string]model.ResourceProfile, len(profiles)),
		kinds:    make(map[model.WorkUnitKind]string, len(kinds)),
	}
	for name, p := range profiles {
		if p.Name == "" {
			p.Name = name
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		r.profiles[name] = p
	}
	for k, name := range kinds {
		kind, err := model.ParseKind(k)
		if err != nil {
			return nil, err
		}
		if _, ok := r.profiles[name]; !ok {
			return nil, model.NewConfigurationError("kind %s refers to unknown profile %q", kind, name)
		}
		r.kinds[kind] = name
	}
	return r, nil
}

// Resolve returns the profile bound to kind. An unbound kind is a configuration error.
func (r *Resolver) Resolve(kind model.WorkUnitKind) (model.ResourceProfile, error) {
	name, ok := r.kinds[kind]
	if !ok {
		return model.ResourceProfile{}, model.NewConfigurationError("no resource profile for work unit kind %q", kind)
	}
	return r.profiles[name], nil
}

// Profile looks a profile up by name.
func (r *Resolver) Profile(name string) (model.ResourceProfile, bool) {
	p, ok := r.profiles[name]
	return p, ok
}

// Annotate returns copies of units stamped with their profile id. Units that
// already carry a known profile id keep it. Nothing is returned on error.
func (r *Resolver) Annotate(units []model.WorkUnit) ([]model.WorkUnit, error) {
	out := make([]model.WorkUnit, len(units))
	for i, u := range units {
		if u.ProfileID != "" {
			if _, ok := r.profiles[u.ProfileID]; !ok {
				return nil, fmt.Errorf("unit %s: %w", u.ID, model.NewConfigurationError("unknown resource profile %q", u.ProfileID))
			}
			out[i] = u
			continue
		}
		p, err := r.Resolve(u.Kind)
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", u.ID, err)
		}
		out[i] = u.WithProfile(p.Name)
	}
	return out, nil
}

// Profiles returns every profile sorted by name.
func (r *Resolver) Profiles() []model.ResourceProfile {
	out := make([]model.ResourceProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Bindings returns kind -> profile name.
func (r *Resolver) Bindings() map[model.WorkUnitKind]string {
	out := make(map[model.WorkUnitKind]string, len(r.kinds))
	for k, v := range r.kinds {
		out[k] = v
	}
	return out
}
