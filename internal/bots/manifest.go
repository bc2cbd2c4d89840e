package bots

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes a bot to create. It is read from YAML by the CLI and
// from JSON by the HTTP API.
type Manifest struct {
	Name        string `yaml:"name" json:"name"`
	CompanyName string `yaml:"company_name" json:"company_name"`
	Domain      string `yaml:"domain" json:"domain"`
	Industry    string `yaml:"industry" json:"industry"`
	Behavior    string `yaml:"behavior" json:"behavior"`
}

// LoadManifest reads a YAML manifest from path and validates it.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return m, m.Validate()
}

// Validate trims all fields and checks the required ones.
func (m *Manifest) Validate() error {
	m.Name = strings.TrimSpace(m.Name)
	m.CompanyName = strings.TrimSpace(m.CompanyName)
	m.Domain = strings.TrimSpace(m.Domain)
	m.Industry = strings.TrimSpace(m.Industry)
	m.Behavior = strings.TrimSpace(m.Behavior)

	var missing []string
	if m.Name == "" {
		missing = append(missing, "name")
	}
	if m.CompanyName == "" {
		missing = append(missing, "company_name")
	}
	if m.Domain == "" {
		missing = append(missing, "domain")
	}
	if m.Industry == "" {
		missing = append(missing, "industry")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidBot, strings.Join(missing, ", "))
	}
	return nil
}
