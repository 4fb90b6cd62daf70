package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/convergence/pkg/engine"
)

//go:embed catalog/builtin.cue
var builtinCatalog string

// Catalog is the set of known workflow kinds.
type Catalog struct {
	workflows map[string]WorkflowSpec
	sources   []string
}

// CatalogParser compiles CUE workflow catalogs against the workflow schema.
type CatalogParser struct {
	registry  *SchemaRegistry
	validator *validator.Validate
}

// NewCatalogParser creates a catalog parser.
func NewCatalogParser() *CatalogParser {
	return &CatalogParser{
		registry:  NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// LoadCatalog loads the built-in catalog merged with the given CUE files or
// directories. Later sources may add workflows; CUE unification rejects
// conflicting redefinitions.
func LoadCatalog(paths ...string) (*Catalog, error) {
	return NewCatalogParser().Load(paths...)
}

// Load compiles the built-in catalog and the given sources.
func (cp *CatalogParser) Load(paths ...string) (*Catalog, error) {
	sources := map[string]string{"builtin.cue": builtinCatalog}
	order := []string{"builtin.cue"}

	for _, p := range paths {
		files, err := cueFiles(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			content, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read catalog %s: %w", f, err)
			}
			sources[f] = string(content)
			order = append(order, f)
		}
	}

	return cp.compile(sources, order)
}

// ParseInline parses catalog content without the built-in workflows.
func (cp *CatalogParser) ParseInline(content string) (*Catalog, error) {
	return cp.compile(map[string]string{"inline.cue": content}, []string{"inline.cue"})
}

func (cp *CatalogParser) compile(sources map[string]string, order []string) (*Catalog, error) {
	schema, _ := cp.registry.GetSchema("workflow")
	ctx := schema.Context()

	val := schema
	for _, name := range order {
		file := ctx.CompileString(sources[name], cue.Filename(name))
		if err := file.Err(); err != nil {
			return nil, validationErrors(err)
		}
		val = val.Unify(file)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, validationErrors(err)
	}

	cat := &Catalog{workflows: make(map[string]WorkflowSpec), sources: order}

	iter, err := val.LookupPath(cue.ParsePath("workflows")).Fields()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate workflows: %w", err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		var spec WorkflowSpec
		if err := iter.Value().Decode(&spec); err != nil {
			return nil, fmt.Errorf("workflow %s: failed to decode: %w", name, err)
		}
		spec.Name = name
		for i := range spec.Resources {
			if spec.Resources[i].Kind == "" {
				spec.Resources[i].Kind = spec.Resources[i].ID
			}
		}
		if !spec.Discover && len(spec.Resources) == 0 {
			return nil, engine.NewConfigurationError(fmt.Sprintf("workflow %s: no resources and discovery disabled", name), nil).
				WithCode(engine.ErrCodeEmptyResourceSet)
		}
		if err := cp.validator.Struct(spec); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", name, err)
		}
		if _, err := spec.ApplyPolicy(engine.DefaultPollingPolicy()); err != nil {
			return nil, err
		}
		cat.workflows[name] = spec
	}

	return cat, nil
}

// Get returns a workflow by name.
func (c *Catalog) Get(name string) (WorkflowSpec, bool) {
	w, ok := c.workflows[name]
	return w, ok
}

// Names returns all workflow names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.workflows))
	for name := range c.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sources returns the files the catalog was compiled from.
func (c *Catalog) Sources() []string {
	return append([]string(nil), c.sources...)
}

// CatalogErrors lists every problem found while compiling a catalog.
type CatalogErrors []ValidationError

func (ce CatalogErrors) Error() string {
	msgs := make([]string, len(ce))
	for i, e := range ce {
		msgs[i] = e.Error()
	}
	return "invalid workflow catalog: " + strings.Join(msgs, "; ")
}

func validationErrors(err error) error {
	var out CatalogErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		return engine.NewConfigurationError("invalid workflow catalog", err)
	}
	return engine.NewConfigurationError("invalid workflow catalog", out)
}

func cueFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".cue") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk catalog directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
