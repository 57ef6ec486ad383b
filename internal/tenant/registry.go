package tenant

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Tenant is an immutable registry entry describing one content channel.
type Tenant struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name" json:"name"`
	Language       string `yaml:"language" json:"language"`
	Timezone       string `yaml:"timezone" json:"timezone"`
	NewsSource     string `yaml:"news_source" json:"news_source"`
	StoragePrefix  string `yaml:"storage_prefix" json:"storage_prefix"`
	CredentialsDir string `yaml:"credentials_dir" json:"credentials_dir"`
}

// Location resolves the tenant's IANA timezone, defaulting to UTC when unset or invalid.
func (t Tenant) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Registry holds the tenant set loaded once at startup.
type Registry struct {
	byID  map[string]Tenant
	order []string
}

type registryFile struct {
	Tenants []Tenant `yaml:"tenants"`
}

// LoadRegistry reads the tenant registry from a YAML file.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}
	return NewRegistry(file.Tenants)
}

// NewRegistry validates and indexes a tenant set.
func NewRegistry(tenants []Tenant) (*Registry, error) {
	r := &Registry{byID: make(map[string]Tenant, len(tenants))}
	for _, t := range tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("tenant with empty id")
		}
		if t.StoragePrefix == "" {
			return nil, fmt.Errorf("tenant %s: storage_prefix is required", t.ID)
		}
		if _, dup := r.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		if _, err := time.LoadLocation(t.Timezone); t.Timezone != "" && err != nil {
			return nil, fmt.Errorf("tenant %s: invalid timezone %q", t.ID, t.Timezone)
		}
		r.byID[t.ID] = t
		r.order = append(r.order, t.ID)
	}
	sort.Strings(r.order)
	return r, nil
}

// Get returns the tenant for an id.
func (r *Registry) Get(id string) (Tenant, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// All returns every tenant in stable id order.
func (r *Registry) All() []Tenant {
	out := make([]Tenant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
