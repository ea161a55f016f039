package backend

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"gopkg.in/yaml.v3"
)

// DefaultHostPlatforms routes publisher domains to their commerce partner.
var DefaultHostPlatforms = map[string]domain.Platform{
	"on3.com": domain.PlatformMerchandise,
}

// Registry selects backends by platform tag.
type Registry struct {
	backends map[domain.Platform]Backend
	hosts    map[string]domain.Platform
	fallback domain.Platform
}

// NewRegistry registers the given backends with the default host table.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{
		backends: make(map[domain.Platform]Backend, len(backends)),
		hosts:    make(map[string]domain.Platform, len(DefaultHostPlatforms)),
		fallback: domain.PlatformMarketplace,
	}
	for _, b := range backends {
		r.backends[b.Platform()] = b
	}
	for h, p := range DefaultHostPlatforms {
		r.hosts[h] = p
	}
	return r
}

// Get returns the backend for p.
func (r *Registry) Get(p domain.Platform) (Backend, error) {
	b, ok := r.backends[p]
	if !ok {
		return nil, domain.NewValidationError("platform", string(p), domain.ErrUnknownPlatform)
	}
	return b, nil
}

// All returns every backend in domain.Platforms order.
func (r *Registry) All() []Backend {
	out := make([]Backend, 0, len(r.backends))
	for _, p := range domain.Platforms {
		if b, ok := r.backends[p]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Platforms lists the registered tags, sorted.
func (r *Registry) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(r.backends))
	for p := range r.backends {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MapHost routes a registrable domain to a platform.
func (r *Registry) MapHost(domainName string, p domain.Platform) {
	r.hosts[strings.ToLower(domainName)] = p
}

type hostFile struct {
	Default string            `yaml:"default"`
	Hosts   map[string]string `yaml:"hosts"`
}

// LoadHostFile overlays a YAML host table:
//
//	default: amazon
//	hosts:
//	  on3.com: fanatics
func (r *Registry) LoadHostFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("backend: read host table: %w", err)
	}
	var f hostFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("backend: parse host table: %w", err)
	}
	if f.Default != "" {
		p, err := domain.ParsePlatform(f.Default)
		if err != nil {
			return err
		}
		r.fallback = p
	}
	for h, tag := range f.Hosts {
		p, err := domain.ParsePlatform(tag)
		if err != nil {
			return err
		}
		r.MapHost(h, p)
	}
	return nil
}

// PlatformForHost maps a hostname by its last two labels, so
// "www.on3.com" and "on3.com" route alike. Unknown hosts get the default.
func (r *Registry) PlatformForHost(host string) domain.Platform {
	if p, ok := r.hosts[RegistrableDomain(host)]; ok {
		return p
	}
	return r.fallback
}

// RegistrableDomain returns the last two labels of host.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if i := strings.LastIndexByte(host, ':'); i != -1 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
