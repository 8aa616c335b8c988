package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"streamrelay/internal/models"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// Profile is one configured upstream access with the models it serves.
type Profile struct {
	ID      string
	Access  models.AccessDescriptor
	Models  []models.ModelDescriptor
	Aliases map[string]string
}

type modelEntry struct {
	profile *Profile
	model   models.ModelDescriptor
	alias   bool
}

// Registry maps model IDs and aliases to the profile that serves them.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]modelEntry
	profiles map[string]*Profile
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models:   make(map[string]modelEntry),
		profiles: make(map[string]*Profile),
	}
}

// RegisterProfile adds the profile and its models, wiring optional aliases.
func (r *Registry) RegisterProfile(p Profile) error {
	if p.ID == "" {
		return errors.New("profile id must not be empty")
	}
	if !p.Access.Dialect.Valid() {
		return fmt.Errorf("profile %q: unknown dialect %q", p.ID, p.Access.Dialect)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[p.ID]; exists {
		return fmt.Errorf("profile %q already registered", p.ID)
	}
	profile := &p
	r.profiles[p.ID] = profile

	for _, model := range p.Models {
		if _, exists := r.models[model.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, model.ID)
		}
		r.models[model.ID] = modelEntry{profile: profile, model: model}
	}

	for alias, target := range p.Aliases {
		if _, exists := r.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}
		targetEntry, ok := r.models[target]
		if !ok || targetEntry.profile != profile {
			return fmt.Errorf("alias %q references unknown model %q", alias, target)
		}
		targetEntry.alias = true
		r.models[alias] = targetEntry
	}

	return nil
}

// LookupModel resolves a model ID or alias to its profile and canonical model.
func (r *Registry) LookupModel(modelID string) (Profile, models.ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.models[modelID]
	if !ok {
		return Profile{}, models.ModelDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return *entry.profile, entry.model, nil
}

// LookupProfile returns a registered profile by ID.
func (r *Registry) LookupProfile(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// ListModels returns every canonical model sorted by profile then ID.
func (r *Registry) ListModels() []models.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	aliases := make(map[string][]string)
	for name, entry := range r.models {
		if entry.alias {
			aliases[entry.model.ID] = append(aliases[entry.model.ID], name)
		}
	}

	out := make([]models.Model, 0, len(r.models))
	for id, entry := range r.models {
		if entry.alias {
			continue
		}
		list := aliases[id]
		sort.Strings(list)
		out = append(out, models.Model{
			ID:      id,
			Profile: entry.profile.ID,
			Dialect: entry.profile.Access.Dialect,
			Aliases: list,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Profile != out[j].Profile {
			return out[i].Profile < out[j].Profile
		}
		return out[i].ID < out[j].ID
	})
	return out
}
