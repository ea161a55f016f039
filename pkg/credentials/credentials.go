// Package credentials resolves named provider account sets. A set maps a
// credential ID and platform to environment variable names, so secrets stay
// in the environment while the mapping lives in code or a YAML file.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownSet means no set is registered for the ID and platform.
	ErrUnknownSet = errors.New("credentials: unknown credential set")
	// ErrMissingValue means a required variable is unset.
	ErrMissingValue = errors.New("credentials: missing value")
)

// Field names one credential value. Env is the variable to read; Default
// applies when the variable is unset and makes the field optional.
type Field struct {
	Env     string `yaml:"env"`
	Default string `yaml:"default,omitempty"`
}

// UnmarshalYAML accepts either a bare variable name or an {env, default} map.
func (f *Field) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		f.Env = n.Value
		return nil
	}
	type plain Field
	return n.Decode((*plain)(f))
}

// Set is one account on one platform.
type Set struct {
	Name   string           `yaml:"name"`
	Fields map[string]Field `yaml:"fields"`
}

// Values are resolved credential values keyed by field name.
type Values map[string]string

// Get returns the value of a field or "".
func (v Values) Get(field string) string { return v[field] }

// file is the on-disk layout: platform -> credential ID -> set.
type file struct {
	Platforms map[string]map[string]Set `yaml:"platforms"`
}

// Registry holds credential sets by platform and ID.
type Registry struct {
	sets   map[string]map[string]Set
	lookup func(string) (string, bool)
}

// New returns an empty registry reading from the process environment.
func New() *Registry {
	return &Registry{sets: make(map[string]map[string]Set), lookup: os.LookupEnv}
}

// Default returns a registry with the built-in account sets.
func Default() *Registry {
	r := New()
	amazon := func(name, prefix string) Set {
		return Set{Name: name, Fields: map[string]Field{
			"access_key":  {Env: prefix + "_AMAZON_ASSOC_ACCESS_KEY_ID"},
			"secret_key":  {Env: prefix + "_AMAZON_ASSOC_SECRET_KEY"},
			"partner_tag": {Env: prefix + "_AMAZON_ASSOC_ACCOUNT_ID"},
		}}
	}
	r.Register("amazon", "default", amazon("Default (Mula)", "MULA"))
	r.Register("amazon", "mcclatchy", amazon("McClatchy", "MCCLATCHY"))
	r.Register("amazon", "britco", amazon("Brit.co", "BRITCO"))

	impact := Set{Name: "ON3 (Impact)", Fields: map[string]Field{
		"account_id": {Env: "IMPACT_ACCOUNT_ID"},
		"username":   {Env: "IMPACT_USERNAME"},
		"password":   {Env: "IMPACT_PASSWORD"},
		"catalog":    {Env: "IMPACT_CATALOG_ID", Default: "Catalogs/ItemSearch"},
	}}
	r.Register("fanatics", "on3", impact)
	r.Register("fanatics", "default", impact)

	r.Register("google_shopping", "default", Set{Name: "SerpAPI", Fields: map[string]Field{
		"api_key": {Env: "SERP_API_KEY"},
	}})
	return r
}

// WithLookup replaces the environment lookup (tests).
func (r *Registry) WithLookup(fn func(string) (string, bool)) *Registry {
	r.lookup = fn
	return r
}

// Register adds or replaces a set.
func (r *Registry) Register(platform, id string, s Set) {
	if r.sets[platform] == nil {
		r.sets[platform] = make(map[string]Set)
	}
	r.sets[platform][id] = s
}

// LoadFile overlays sets from a YAML file onto r.
func (r *Registry) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("credentials: read %s: %w", path, err)
	}
	return r.Load(b)
}

// Load overlays sets from YAML bytes onto r.
func (r *Registry) Load(b []byte) error {
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("credentials: parse: %w", err)
	}
	for platform, sets := range f.Platforms {
		for id, s := range sets {
			if len(s.Fields) == 0 {
				return fmt.Errorf("credentials: %s/%s has no fields", platform, id)
			}
			r.Register(platform, id, s)
		}
	}
	return nil
}

// IDs lists the credential IDs registered for platform, sorted.
func (r *Registry) IDs(platform string) []string {
	ids := make([]string, 0, len(r.sets[platform]))
	for id := range r.sets[platform] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve reads every field of the set from the environment.
func (r *Registry) Resolve(platform, id string) (Values, error) {
	s, ok := r.sets[platform][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s (available: %s)", ErrUnknownSet, platform, id, strings.Join(r.IDs(platform), ", "))
	}
	out := make(Values, len(s.Fields))
	var missing []string
	for name, f := range s.Fields {
		v, _ := r.lookup(f.Env)
		if v == "" {
			v = f.Default
		}
		if v == "" {
			missing = append(missing, f.Env)
			continue
		}
		out[name] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s/%s: %s", ErrMissingValue, platform, id, strings.Join(missing, ", "))
	}
	return out, nil
}

// Has reports whether the set resolves completely.
func (r *Registry) Has(platform, id string) bool {
	_, err := r.Resolve(platform, id)
	return err == nil
}
