package offline

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var defaultManifest []byte

// Manifest lists what one cache version precaches. Relative entries are
// resolved against the origin.
type Manifest struct {
	CacheName string   `yaml:"cache_name"`
	Fallback  string   `yaml:"fallback"`
	Resources []string `yaml:"resources"`
	Essential []string `yaml:"essential"`
}

var ErrInvalidManifest = errors.New("invalid manifest")

// DefaultManifest returns the manifest built into the binary.
func DefaultManifest() Manifest {
	m, err := ParseManifest(defaultManifest)
	if err != nil {
		panic(fmt.Sprintf("embedded manifest: %v", err))
	}
	return m
}

// LoadManifest reads a manifest file, or the built-in one when path is empty.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m Manifest) Validate() error {
	var problems []string
	if strings.TrimSpace(m.CacheName) == "" {
		problems = append(problems, "cache_name is required")
	}
	if len(m.Resources) == 0 {
		problems = append(problems, "resources must not be empty")
	}
	listed := make(map[string]bool, len(m.Resources))
	for _, r := range m.Resources {
		listed[r] = true
	}
	for _, e := range m.Essential {
		if !listed[e] {
			problems = append(problems, fmt.Sprintf("essential entry %q is not in resources", e))
		}
	}
	if m.Fallback != "" && !listed[m.Fallback] {
		problems = append(problems, fmt.Sprintf("fallback %q is not in resources", m.Fallback))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(problems, "; "))
	}
	return nil
}

// resolved is a manifest with every entry turned into an absolute cache key.
type resolved struct {
	resources []string
	essential map[string]bool
	fallback  string
}

func (m Manifest) resolve(origin *url.URL) (resolved, error) {
	r := resolved{essential: make(map[string]bool, len(m.Essential))}
	for _, entry := range m.Resources {
		key, err := resolveEntry(origin, entry)
		if err != nil {
			return resolved{}, err
		}
		r.resources = append(r.resources, key)
	}
	for _, entry := range m.Essential {
		key, err := resolveEntry(origin, entry)
		if err != nil {
			return resolved{}, err
		}
		r.essential[key] = true
	}
	if m.Fallback != "" {
		key, err := resolveEntry(origin, m.Fallback)
		if err != nil {
			return resolved{}, err
		}
		r.fallback = key
	}
	return r, nil
}

func resolveEntry(origin *url.URL, entry string) (string, error) {
	ref, err := url.Parse(entry)
	if err != nil {
		return "", fmt.Errorf("%w: entry %q: %w", ErrInvalidManifest, entry, err)
	}
	return cacheKey(origin.ResolveReference(ref)), nil
}

// cacheKey identifies a request in the cache: the URL without its fragment.
func cacheKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	if c.Path == "" {
		c.Path = "/"
	}
	return c.String()
}

// essentialKey drops the query as well, so "/style.css?v=2" is still essential.
func essentialKey(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.ForceQuery = false
	return cacheKey(&c)
}
