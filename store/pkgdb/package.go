package pkgdb

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"

	subatomic "github.com/FyraLabs/subatomic-ng"
)

// Dependency is one provides or requires descriptor. It is an open object;
// only name, flag and version have a fixed meaning.
type Dependency map[string]any

// Name returns the capability name.
func (d Dependency) Name() string {
	s, _ := d["name"].(string)
	return s
}

// Package is one stored package variant.
type Package struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Epoch     uint32              `json:"epoch"`
	Version   string              `json:"version"`
	Release   string              `json:"release"`
	Arch      string              `json:"arch"`
	Provides  []Dependency        `json:"provides"`
	Requires  []Dependency        `json:"requires"`
	ObjectKey subatomic.ObjectKey `json:"object_key"`
	Available bool                `json:"available"`
	Tag       string              `json:"tag"`
	Timestamp time.Time           `json:"timestamp"`
}

// NEVRA returns the name-epoch:version-release.arch label.
func (p *Package) NEVRA() string {
	return p.Name + "-" + strconv.FormatUint(uint64(p.Epoch), 10) + ":" + p.Version + "-" + p.Release + "." + p.Arch
}

// Filename returns the conventional file name of the artifact.
func (p *Package) Filename() string {
	return p.NEVRA() + ".rpm"
}

// fields exposes the record to trigger rules.
func (p *Package) fields() map[string]any {
	return map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"epoch":      int64(p.Epoch),
		"version":    p.Version,
		"release":    p.Release,
		"arch":       p.Arch,
		"tag":        p.Tag,
		"object_key": p.ObjectKey.String(),
		"available":  p.Available,
	}
}

var (
	tagPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	archPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Normalize validates p, fills in a missing id and rewrites fields into
// canonical form. The timestamp is assigned by the store.
func (p *Package) Normalize() error {
	if p.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating id: %w", err)
		}
		p.ID = id.String()
	}
	if strings.ContainsFunc(p.ID, unicode.IsSpace) || strings.Contains(p.ID, "/") {
		return fmt.Errorf("%w: id %q", ErrInvalidPackage, p.ID)
	}

	p.Name = normName(p.Name)
	if p.Name == "" || strings.ContainsFunc(p.Name, unicode.IsSpace) || strings.Contains(p.Name, "/") {
		return fmt.Errorf("%w: name %q", ErrInvalidPackage, p.Name)
	}
	if !archPattern.MatchString(p.Arch) {
		return fmt.Errorf("%w: arch %q", ErrInvalidPackage, p.Arch)
	}
	for field, v := range map[string]string{"version": p.Version, "release": p.Release} {
		if v == "" || strings.ContainsFunc(v, unicode.IsSpace) || strings.ContainsAny(v, "-/") {
			return fmt.Errorf("%w: %s %q", ErrInvalidPackage, field, v)
		}
	}
	if !tagPattern.MatchString(p.Tag) {
		return fmt.Errorf("%w: tag %q", ErrInvalidPackage, p.Tag)
	}

	key, err := subatomic.ParseObjectKey(p.ObjectKey.String())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}
	p.ObjectKey = key

	if err := validateDependencies("provides", p.Provides); err != nil {
		return err
	}
	if err := validateDependencies("requires", p.Requires); err != nil {
		return err
	}
	return nil
}

const dependencySchemaURL = "https://subatomic.fyralabs.com/schemas/dependencies.json"

const dependencySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"flag": {"type": "string"},
			"version": {"type": "string"}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func dependencyValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(dependencySchemaURL, strings.NewReader(dependencySchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(dependencySchemaURL)
	})
	return schema, schemaErr
}

// validateDependencies checks deps against the dependency schema. The list
// goes through JSON first so that Go-typed values validate the same way as
// decoded request bodies.
func validateDependencies(field string, deps []Dependency) error {
	if len(deps) == 0 {
		return nil
	}
	s, err := dependencyValidator()
	if err != nil {
		return fmt.Errorf("compiling dependency schema: %w", err)
	}

	raw, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPackage, field, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPackage, field, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPackage, field, err)
	}
	return nil
}

// Filter selects packages in List. Empty fields match everything.
type Filter struct {
	Name      string
	Arch      string
	Tag       string
	ObjectKey subatomic.ObjectKey
	Available *bool
	// Limit caps the result count. Zero means no limit.
	Limit int
}

// Match reports whether p passes the filter.
func (f Filter) Match(p *Package) bool {
	switch {
	case f.Name != "" && p.Name != normName(f.Name):
		return false
	case f.Arch != "" && p.Arch != f.Arch:
		return false
	case f.Tag != "" && p.Tag != f.Tag:
		return false
	case f.ObjectKey != "" && p.ObjectKey != f.ObjectKey:
		return false
	case f.Available != nil && p.Available != *f.Available:
		return false
	}
	return true
}

func normName(name string) string {
	return norm.NFC.String(name)
}
