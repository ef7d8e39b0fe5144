package detect

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vigil/core"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed seed_schema.json
var seedSchema []byte

// Seed is a bundle of configuration records loaded from a file.
type Seed struct {
	Rules     []core.Rule     `json:"rules,omitempty"`
	Policies  []core.Policy   `json:"policies,omitempty"`
	Providers []core.Provider `json:"providers,omitempty"`
}

// LoadSeed reads a YAML or JSON seed file, checks it against the seed
// schema and validates every record.
func LoadSeed(filename string, logger *zap.SugaredLogger) (*Seed, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	seed, err := ParseSeed(data, ext == ".yaml" || ext == ".yml")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	logger.Infow("Loaded seed file",
		"file", filename,
		"rules", len(seed.Rules),
		"policies", len(seed.Policies),
		"providers", len(seed.Providers))
	return seed, nil
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(data []byte, isYAML bool) (*Seed, error) {
	if isYAML {
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse seed yaml: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert seed yaml: %w", err)
		}
		data = converted
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(seedSchema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to validate seed against schema: %w", err)
	}
	if !result.Valid() {
		ve := core.NewValidationError("seed", "")
		for _, desc := range result.Errors() {
			ve.Add(desc.Field(), desc.Description())
		}
		return nil, ve
	}

	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate checks each record and the references between them.
func (s *Seed) Validate() error {
	ve := core.NewValidationError("seed", "")

	rules := make(map[string]bool, len(s.Rules))
	for i := range s.Rules {
		r := &s.Rules[i]
		prefix := fmt.Sprintf("rules[%d]", i)
		ve.Merge(prefix, r.Validate())
		if rules[r.ID] {
			ve.Addf(prefix+".id", "duplicate rule id %q", r.ID)
		}
		rules[r.ID] = true
	}

	providers := make(map[string]bool, len(s.Providers))
	for i := range s.Providers {
		p := &s.Providers[i]
		prefix := fmt.Sprintf("providers[%d]", i)
		ve.Merge(prefix, p.Validate())
		if providers[p.ID] {
			ve.Addf(prefix+".id", "duplicate provider id %q", p.ID)
		}
		providers[p.ID] = true
	}

	policies := make(map[string]bool, len(s.Policies))
	for i := range s.Policies {
		p := &s.Policies[i]
		prefix := fmt.Sprintf("policies[%d]", i)
		ve.Merge(prefix, p.Validate())
		if policies[p.ID] {
			ve.Addf(prefix+".id", "duplicate policy id %q", p.ID)
		}
		policies[p.ID] = true
		for _, id := range p.RuleIDs {
			if !rules[id] {
				ve.Addf(prefix+".rule_ids", "unknown rule %q", id)
			}
		}
		for _, id := range p.ProviderIDs {
			if !providers[id] {
				ve.Addf(prefix+".provider_ids", "unknown provider %q", id)
			}
		}
	}
	return ve.ErrOrNil()
}
