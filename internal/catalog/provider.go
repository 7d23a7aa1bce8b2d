package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StaticProvider serves the base catalog, optionally extended per tenant from
// a YAML overlay file. Custom tenant fields never shadow base fields.
type StaticProvider struct {
	overlays map[string]overlay
}

type overlay struct {
	Fields []Field             `yaml:"fields"`
	Enums  map[string][]string `yaml:"enums"`
}

type overlayFile struct {
	Tenants map[string]overlay `yaml:"tenants"`
}

// NewStaticProvider creates a provider serving only the base catalog.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{overlays: map[string]overlay{}}
}

// NewStaticProviderFromFile loads per-tenant field overlays from a YAML file.
func NewStaticProviderFromFile(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog overlay: %w", err)
	}

	var file overlayFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog overlay: %w", err)
	}

	return &StaticProvider{overlays: file.Tenants}, nil
}

// Fields returns the base fields plus any tenant overlay fields.
func (p *StaticProvider) Fields(_ context.Context, tenantID string) ([]Field, error) {
	fields := append([]Field(nil), baseFields...)
	if ov, ok := p.overlays[tenantID]; ok {
		seen := make(map[string]bool, len(fields))
		for _, f := range fields {
			seen[f.Name] = true
		}
		for _, f := range ov.Fields {
			if !seen[f.Name] {
				fields = append(fields, f)
			}
		}
	}
	return fields, nil
}

// Enums returns the base enums merged with any tenant overlay enums.
func (p *StaticProvider) Enums(_ context.Context, tenantID string) (map[string][]string, error) {
	enums := make(map[string][]string, len(baseEnums))
	for k, v := range baseEnums {
		enums[k] = append([]string(nil), v...)
	}
	if ov, ok := p.overlays[tenantID]; ok {
		for k, v := range ov.Enums {
			enums[k] = append([]string(nil), v...)
		}
	}
	return enums, nil
}
