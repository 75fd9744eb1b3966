package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

//go:embed catalog/badges.yaml
var defaultBadgeCatalog []byte

// badgeCatalogFile is the YAML layout of a badge catalogue.
type badgeCatalogFile struct {
	Badges []badgeEntry `yaml:"badges"`
}

type badgeEntry struct {
	Type        string          `yaml:"type"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Category    string          `yaml:"category"`
	Tier        string          `yaml:"tier"`
	XPBonus     int64           `yaml:"xp_bonus"`
	Manual      bool            `yaml:"manual"`
	Condition   *conditionEntry `yaml:"condition"`
}

type conditionEntry struct {
	Metric string           `yaml:"metric"`
	Min    int64            `yaml:"min"`
	All    []conditionEntry `yaml:"all"`
	Any    []conditionEntry `yaml:"any"`
}

func (c conditionEntry) toDomain() progression.Condition {
	out := progression.Condition{
		Metric: progression.Metric(c.Metric),
		Min:    c.Min,
	}
	for _, child := range c.All {
		out.All = append(out.All, child.toDomain())
	}
	for _, child := range c.Any {
		out.Any = append(out.Any, child.toDomain())
	}
	return out
}

// LoadBadgeCatalogue reads the catalogue from path, or the embedded default when path is empty.
func LoadBadgeCatalogue(path string) (*progression.Catalogue, error) {
	data := defaultBadgeCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read badge catalogue %s: %w", path, err)
		}
		data = b
	}
	return ParseBadgeCatalogue(data)
}

// ParseBadgeCatalogue decodes and validates a YAML catalogue.
// Unknown keys are rejected so typos in conditions fail at startup.
func ParseBadgeCatalogue(data []byte) (*progression.Catalogue, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file badgeCatalogFile
	if err := dec.Decode(&file); err != nil {
		return nil, shared.WrapError("badge", "ParseCatalogue", shared.ErrValidation, "invalid badge catalogue", err)
	}

	defs := make([]progression.BadgeDefinition, 0, len(file.Badges))
	for _, b := range file.Badges {
		def := progression.BadgeDefinition{
			Type:        b.Type,
			Name:        b.Name,
			Description: b.Description,
			Category:    b.Category,
			Tier:        progression.Tier(b.Tier),
			XPBonus:     b.XPBonus,
			Manual:      b.Manual,
		}
		if b.Condition != nil {
			def.Condition = b.Condition.toDomain()
		}
		defs = append(defs, def)
	}

	return progression.NewCatalogue(defs)
}
