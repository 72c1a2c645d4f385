package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	values := map[string]string{"title": "Algebra", "groupTitle": "Group 1"}
	if got := Render("{title} ({groupTitle})", values); got != "Algebra (Group 1)" {
		t.Fatalf("unexpected render %q", got)
	}
	if got := Render("{title} {unknown}", values); got != "Algebra" {
		t.Fatalf("expected unknown placeholder to render empty, got %q", got)
	}
}

func TestLoadMergesOverridesWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	content := []byte("import:\n  fullname: \"{title} - {term}\"\nexport:\n  url: \"{url}\"\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write mapping: %v", err)
	}

	mapping, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if mapping.Import[FieldFullName] != "{title} - {term}" {
		t.Fatalf("expected override, got %q", mapping.Import[FieldFullName])
	}
	if mapping.Import[FieldShortName] != "{lectureID}" {
		t.Fatalf("expected default shortname template, got %q", mapping.Import[FieldShortName])
	}
	if mapping.Export["url"] != "{url}" || mapping.Export["title"] != "{fullname}" {
		t.Fatalf("unexpected export templates %#v", mapping.Export)
	}

	fields := mapping.ImportFields(map[string]string{"title": "Algebra", "term": "WS", "lectureID": "L1"})
	if fields[FieldFullName] != "Algebra - WS" || fields[FieldShortName] != "L1" {
		t.Fatalf("unexpected import fields %#v", fields)
	}
}

func TestParseRejectsEmptyRequiredTemplate(t *testing.T) {
	_, err := Parse([]byte("import:\n  shortname: \"\"\n"))
	if !errors.Is(err, ErrInvalidMapping) {
		t.Fatalf("expected invalid mapping, got %v", err)
	}
	_, err = Parse([]byte("import: [broken"))
	if !errors.Is(err, ErrInvalidMapping) {
		t.Fatalf("expected yaml error to be classified, got %v", err)
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders(map[string]string{"a": "{title} {lectureID}", "b": "{title}"})
	if !reflect.DeepEqual(got, []string{"lectureID", "title"}) {
		t.Fatalf("unexpected placeholders %v", got)
	}
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	mapping, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !reflect.DeepEqual(mapping, DefaultMapping()) {
		t.Fatalf("expected defaults")
	}
}
