package trigger

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk form of a rule set.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rule set.
func ParseRules(r io.Reader) ([]Rule, error) {
	var f RuleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding rules: %w", err)
	}
	return f.Rules, nil
}

// LoadFile defines every rule in the YAML file at path. Loading the same file
// again replaces the rules by name.
func (d *Dispatcher) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening rules: %w", err)
	}
	defer func() { _ = f.Close() }()

	rules, err := ParseRules(f)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if err := d.Define(r); err != nil {
			return err
		}
	}
	d.logger.Info("rules loaded", "path", path, "count", len(rules))
	return nil
}
