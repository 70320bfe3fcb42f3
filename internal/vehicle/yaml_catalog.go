package vehicle

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Makes []makeEntry `yaml:"makes"`
}

type makeEntry struct {
	Name   string       `yaml:"name"`
	Models []modelEntry `yaml:"models"`
}

type modelEntry struct {
	Name  string   `yaml:"name"`
	From  int      `yaml:"from"`
	To    int      `yaml:"to"`
	Trims []string `yaml:"trims"`
}

func (m modelEntry) offered(year, current int) bool {
	to := m.To
	if to == 0 {
		to = current + 1
	}
	return year >= m.From && year <= to
}

// YAMLCatalog is a Catalog loaded from a YAML document.
type YAMLCatalog struct {
	makes []makeEntry
	// Clock supplies the current year for open-ended model ranges.
	Clock func() time.Time
}

// LoadYAMLCatalog reads the catalogue at path. An empty path loads the
// embedded default catalogue.
func LoadYAMLCatalog(path string) (*YAMLCatalog, error) {
	if path == "" {
		return ParseYAMLCatalog(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vehicle catalog %s: %w", path, err)
	}
	return ParseYAMLCatalog(data)
}

// ParseYAMLCatalog builds a catalogue from YAML bytes.
func ParseYAMLCatalog(data []byte) (*YAMLCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse vehicle catalog: %w", err)
	}
	for _, mk := range f.Makes {
		if strings.TrimSpace(mk.Name) == "" {
			return nil, fmt.Errorf("parse vehicle catalog: make without name")
		}
		for _, model := range mk.Models {
			if model.To != 0 && model.To < model.From {
				return nil, fmt.Errorf("parse vehicle catalog: %s %s ends before it starts", mk.Name, model.Name)
			}
		}
	}
	return &YAMLCatalog{makes: f.Makes, Clock: time.Now}, nil
}

func (c *YAMLCatalog) currentYear() int {
	return c.Clock().Year()
}

// Makes returns makes with at least one model offered in year.
func (c *YAMLCatalog) Makes(_ context.Context, year int) ([]string, error) {
	current := c.currentYear()
	var out []string
	for _, mk := range c.makes {
		for _, model := range mk.Models {
			if model.offered(year, current) {
				out = append(out, mk.Name)
				break
			}
		}
	}
	return out, nil
}

// Models returns the models of make offered in year.
func (c *YAMLCatalog) Models(_ context.Context, year int, makeName string) ([]string, error) {
	mk, ok := c.findMake(makeName)
	if !ok {
		return nil, nil
	}
	current := c.currentYear()
	var out []string
	for _, model := range mk.Models {
		if model.offered(year, current) {
			out = append(out, model.Name)
		}
	}
	return out, nil
}

// Trims returns the trims listed for model.
func (c *YAMLCatalog) Trims(_ context.Context, year int, makeName, model string) ([]string, error) {
	mk, ok := c.findMake(makeName)
	if !ok {
		return nil, nil
	}
	current := c.currentYear()
	for _, m := range mk.Models {
		if squash(m.Name) == squash(model) && m.offered(year, current) {
			return append([]string(nil), m.Trims...), nil
		}
	}
	return nil, nil
}

func (c *YAMLCatalog) findMake(name string) (makeEntry, bool) {
	for _, mk := range c.makes {
		if squash(mk.Name) == squash(name) {
			return mk, true
		}
	}
	return makeEntry{}, false
}
