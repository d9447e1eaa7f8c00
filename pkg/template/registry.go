package template

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
)

const (
	genericIndustry = "generic"
	genericCategory = "generic"
	autoCategory    = "auto"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

type templateFile struct {
	Industry   string                  `koanf:"industry"`
	Categories map[string]categorySpec `koanf:"categories"`
}

type categorySpec struct {
	Description    string      `koanf:"description"`
	EmbeddingField string      `koanf:"embedding_field"`
	RequiredFields []FieldSpec `koanf:"required_fields"`
	OptionalFields []FieldSpec `koanf:"optional_fields"`
}

type templateKey struct {
	industry string
	category string
}

// Registry resolves the extraction template of an (industry, category)
// pair. It is read-only once built and safe for concurrent use.
type Registry struct {
	templates map[templateKey]*Template
}

// NewRegistry loads the built-in templates and, if dir isn't empty, the
// YAML files under dir. Templates from dir replace built-in ones with the
// same key. The global generic template must exist after loading.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{templates: map[templateKey]*Template{}}

	entries, err := fs.ReadDir(builtinTemplates, "templates")
	if err != nil {
		return nil, fmt.Errorf("reading built-in templates: %w", err)
	}
	for _, e := range entries {
		b, err := builtinTemplates.ReadFile("templates/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading template %s: %w", e.Name(), err)
		}
		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider(b), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", e.Name(), err)
		}
		if err := r.add(k, e.Name()); err != nil {
			return nil, err
		}
	}

	if dir != "" {
		if err := r.loadDir(dir); err != nil {
			return nil, err
		}
	}

	if _, ok := r.templates[templateKey{genericIndustry, genericCategory}]; !ok {
		return nil, fmt.Errorf("the %s/%s template is missing", genericIndustry, genericCategory)
	}

	return r, nil
}

func (r *Registry) loadDir(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("template directory: %w", err)
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("listing templates in %s: %w", dir, err)
	}

	for _, p := range paths {
		k := koanf.New(".")
		if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
			return fmt.Errorf("parsing template %s: %w", p, err)
		}
		if err := r.add(k, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) add(k *koanf.Koanf, source string) error {
	var tf templateFile
	if err := k.Unmarshal("", &tf); err != nil {
		return fmt.Errorf("decoding template %s: %w", source, err)
	}

	industry := normalizeKey(tf.Industry)
	if industry == "" {
		return fmt.Errorf("template %s has no industry", source)
	}

	for name, spec := range tf.Categories {
		t := &Template{
			Industry:       industry,
			Category:       normalizeKey(name),
			Description:    spec.Description,
			EmbeddingField: spec.EmbeddingField,
			RequiredFields: spec.RequiredFields,
			OptionalFields: spec.OptionalFields,
		}
		if err := t.check(); err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
		if err := t.compile(); err != nil {
			return fmt.Errorf("%s: template %s: %w", source, t.Key(), err)
		}
		r.templates[templateKey{t.Industry, t.Category}] = t
	}
	return nil
}

// GetSchema returns the template of the industry and category. It falls back
// to the industry's generic template and then to the global generic one, so
// it never returns nil on a registry built by NewRegistry.
func (r *Registry) GetSchema(industry, category string) *Template {
	industry = normalizeKey(industry)
	category = normalizeKey(category)
	if industry == "" {
		industry = genericIndustry
	}
	if category == "" {
		category = autoCategory
	}

	if t, ok := r.templates[templateKey{industry, category}]; ok {
		return t
	}
	if t, ok := r.templates[templateKey{industry, genericCategory}]; ok {
		return t
	}
	return r.templates[templateKey{genericIndustry, genericCategory}]
}

// Templates lists the keys of the loaded templates, sorted.
func (r *Registry) Templates() []string {
	keys := make([]string, 0, len(r.templates))
	for _, t := range r.templates {
		keys = append(keys, t.Key())
	}
	sort.Strings(keys)
	return keys
}

// normalizeKey maps free-form names such as "Real Estate" or "realEstate"
// to the snake-case keys templates are stored under.
func normalizeKey(s string) string {
	return strcase.ToSnake(strings.TrimSpace(s))
}
