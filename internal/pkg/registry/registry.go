package registry

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
)

/*
 *  The provider registry is the read-only list of providers we may bind to,
 *  kept in a YAML file:
 *
 *    providers:
 *      - id: lights
 *        package: com.example.lights
 *        transport: ws
 *        address: ws://127.0.0.1:9100/controls
 */

type registryFile struct {
	Providers []controls.ProviderEntry `yaml:"providers"`
}

// Registry is an in-memory provider listing
type Registry struct {
	entries map[string]controls.ProviderEntry
}

func init() {
	viper.SetDefault("providers.registry", "providers.yaml")
}

// New builds a registry from entries.  Duplicate or empty IDs are an error.
func New(entries ...controls.ProviderEntry) (*Registry, error) {
	r := &Registry{entries: make(map[string]controls.ProviderEntry, len(entries))}

	for _, e := range entries {
		if e.ID == "" {
			return nil, errors.New("provider entry without an id")
		}
		if _, ok := r.entries[e.ID]; ok {
			return nil, errors.Errorf("duplicate provider id %s", e.ID)
		}
		if e.Transport == "" {
			return nil, errors.Errorf("provider %s has no transport", e.ID)
		}
		r.entries[e.ID] = e
	}

	return r, nil
}

// Load reads a YAML registry file
func Load(fileName string) (*Registry, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "reading provider registry %s", fileName)
	}

	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, errors.Wrapf(err, "parsing provider registry %s", fileName)
	}

	r, err := New(rf.Providers...)
	if err != nil {
		return nil, errors.Wrapf(err, "provider registry %s", fileName)
	}

	return r, nil
}

// With returns a copy of the registry with the entry added or replaced
func (r *Registry) With(e controls.ProviderEntry) *Registry {
	c := &Registry{entries: make(map[string]controls.ProviderEntry, len(r.entries)+1)}
	for id, entry := range r.entries {
		c.entries[id] = entry
	}
	c.entries[e.ID] = e

	return c
}

// ListProviders returns every entry, by ID
func (r *Registry) ListProviders() ([]controls.ProviderEntry, error) {
	list := make([]controls.ProviderEntry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	return list, nil
}

func (r *Registry) Provider(id string) (controls.ProviderEntry, bool) {
	e, ok := r.entries[id]
	return e, ok
}
