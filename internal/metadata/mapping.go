// Package metadata maps remote course attributes onto local course fields and
// back through "{placeholder}" templates.
package metadata

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Local course fields filled on import.
const (
	FieldFullName  = "fullname"
	FieldShortName = "shortname"
	FieldIDNumber  = "idnumber"
	FieldSummary   = "summary"
)

var (
	// ErrInvalidMapping marks a mapping file that cannot be used.
	ErrInvalidMapping = errors.New("metadata: invalid mapping")

	placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)
)

// Mapping holds the import and export templates.
type Mapping struct {
	Import map[string]string `yaml:"import"`
	Export map[string]string `yaml:"export"`
}

// DefaultMapping returns the built-in templates.
func DefaultMapping() Mapping {
	return Mapping{
		Import: map[string]string{
			FieldFullName:  "{title}",
			FieldShortName: "{lectureID}",
			FieldIDNumber:  "{lectureID}",
			FieldSummary:   "{comment}",
		},
		Export: map[string]string{
			"title":     "{fullname}",
			"id":        "{idnumber}",
			"number":    "{shortname}",
			"abstract":  "{summary}",
			"lecturers": "{lecturers}",
		},
	}
}

// Load reads a YAML mapping file. Keys missing from the file keep their
// default template; an empty path yields the defaults.
func Load(path string) (Mapping, error) {
	mapping := DefaultMapping()
	if strings.TrimSpace(path) == "" {
		return mapping, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Mapping{}, fmt.Errorf("metadata: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML mapping content over the defaults.
func Parse(raw []byte) (Mapping, error) {
	mapping := DefaultMapping()
	var overrides Mapping
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return Mapping{}, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
	}
	for field, template := range overrides.Import {
		mapping.Import[field] = template
	}
	for field, template := range overrides.Export {
		mapping.Export[field] = template
	}
	if err := mapping.Validate(); err != nil {
		return Mapping{}, err
	}
	return mapping, nil
}

// Validate rejects mappings that cannot produce a course.
func (m Mapping) Validate() error {
	for _, required := range []string{FieldFullName, FieldShortName} {
		if strings.TrimSpace(m.Import[required]) == "" {
			return fmt.Errorf("%w: import template %q is empty", ErrInvalidMapping, required)
		}
	}
	return nil
}

// Apply renders templates against values. Unknown placeholders render empty.
func Apply(templates map[string]string, values map[string]string) map[string]string {
	result := make(map[string]string, len(templates))
	for field, template := range templates {
		result[field] = Render(template, values)
	}
	return result
}

// Render substitutes every {placeholder} in template.
func Render(template string, values map[string]string) string {
	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		return values[match[1:len(match)-1]]
	})
	return strings.TrimSpace(rendered)
}

// ImportFields renders the import templates.
func (m Mapping) ImportFields(values map[string]string) map[string]string {
	return Apply(m.Import, values)
}

// ExportFields renders the export templates.
func (m Mapping) ExportFields(values map[string]string) map[string]string {
	return Apply(m.Export, values)
}

// Placeholders lists the placeholders a template set references.
func Placeholders(templates map[string]string) []string {
	seen := make(map[string]struct{})
	for _, template := range templates {
		for _, match := range placeholderPattern.FindAllStringSubmatch(template, -1) {
			seen[match[1]] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
