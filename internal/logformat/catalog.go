package logformat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/logtt/internal/drain"
	"github.com/tinytelemetry/logtt/internal/model"
)

// Definition describes one named format.
type Definition struct {
	Name string `yaml:"-" json:"name"`
	// LogFormat is the header format string, e.g. "<Date> <Time> <Level> <Content>".
	LogFormat string `yaml:"log_format" json:"log_format"`
	// Regex lists message fragments replaced by <*> before clustering.
	Regex []string `yaml:"regex,omitempty" json:"regex,omitempty"`
	// Delimiters are split on in addition to whitespace when clustering.
	Delimiters []string `yaml:"delimiters,omitempty" json:"delimiters,omitempty"`
	Builtin    bool     `yaml:"-" json:"builtin"`

	masks []drain.Mask
	build func() (Parser, error)
}

// Hints carries the clustering preferences of a format to the extractor.
type Hints struct {
	Masks      []drain.Mask
	Delimiters []string
}

// Catalog holds the built-in formats and the user formats stored in a YAML
// file. It is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	path     string
	builtins map[string]Definition
	user     map[string]Definition
	compiled map[string]Parser
}

// NewCatalog loads user formats from path. An empty path or a missing file
// yields a catalog with the built-ins only.
func NewCatalog(path string) (*Catalog, error) {
	c := &Catalog{
		path:     path,
		builtins: make(map[string]Definition, len(builtinDefinitions)),
		user:     make(map[string]Definition),
		compiled: make(map[string]Parser),
	}
	for _, def := range builtinDefinitions {
		def.Builtin = true
		c.builtins[def.Name] = def
	}

	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- user-provided formats file is expected
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading formats file: %w", err)
	}

	var raw map[string]Definition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing formats file: %w", err)
	}
	for name, def := range raw {
		def.Name = name
		if _, clash := c.builtins[name]; clash {
			return nil, fmt.Errorf("formats file: %q: %w", name, model.ErrDuplicateName)
		}
		if err := def.validate(); err != nil {
			return nil, fmt.Errorf("formats file: %w", err)
		}
		c.user[name] = def
	}
	return c, nil
}

func (d *Definition) validate() error {
	if _, err := CompileFormat(d.Name, d.LogFormat); err != nil {
		return err
	}
	masks := make([]drain.Mask, 0, len(d.Regex))
	for i, expr := range d.Regex {
		m, err := drain.NewRawMask("*", expr)
		if err != nil {
			return fmt.Errorf("%w: %s regex %d: %v", model.ErrInvalidFormat, d.Name, i, err)
		}
		masks = append(masks, m)
	}
	d.masks = masks
	return nil
}

// Names lists built-in formats followed by user formats, each group sorted.
func (c *Catalog) Names() []string {
	defs := c.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Definitions lists every format, built-ins first.
func (c *Catalog) Definitions() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Definition, 0, len(c.builtins)+len(c.user))
	for _, group := range []map[string]Definition{c.builtins, c.user} {
		start := len(out)
		for _, d := range group {
			out = append(out, d)
		}
		part := out[start:]
		sort.Slice(part, func(i, j int) bool { return part[i].Name < part[j].Name })
	}
	return out
}

// Lookup finds a format by name, ignoring case when there is no exact match.
func (c *Catalog) Lookup(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupLocked(name)
}

func (c *Catalog) lookupLocked(name string) (Definition, bool) {
	if d, ok := c.builtins[name]; ok {
		return d, true
	}
	if d, ok := c.user[name]; ok {
		return d, true
	}
	for _, group := range []map[string]Definition{c.builtins, c.user} {
		for n, d := range group {
			if strings.EqualFold(n, name) {
				return d, true
			}
		}
	}
	return Definition{}, false
}

// SaveUserFormat adds or replaces a user format and rewrites the formats
// file. Built-in names cannot be shadowed.
func (c *Catalog) SaveUserFormat(def Definition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("%w: format name is empty", model.ErrInvalidFormat)
	}
	if err := def.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, clash := c.builtins[def.Name]; clash {
		return fmt.Errorf("format %q: %w", def.Name, model.ErrDuplicateName)
	}

	next := make(map[string]Definition, len(c.user)+1)
	for k, v := range c.user {
		next[k] = v
	}
	next[def.Name] = def

	if c.path != "" {
		if err := writeUserFile(c.path, next); err != nil {
			return err
		}
	}
	c.user = next
	delete(c.compiled, def.Name)
	return nil
}

func writeUserFile(path string, defs map[string]Definition) error {
	data, err := yaml.Marshal(defs)
	if err != nil {
		return fmt.Errorf("encoding formats file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating formats dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing formats file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing formats file: %w", err)
	}
	return nil
}

// Resolve returns the parser and clustering hints for a format spec.
func (c *Catalog) Resolve(spec model.FormatSpec) (Parser, Hints, error) {
	switch spec.Kind {
	case model.FormatCustom:
		p, err := CompileRegexList(spec.Patterns)
		if err != nil {
			return nil, Hints{}, err
		}
		return p, Hints{}, nil
	case model.FormatNamed, "":
	default:
		return nil, Hints{}, fmt.Errorf("%w: kind %q", model.ErrUnknownFormat, spec.Kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	def, ok := c.lookupLocked(spec.Name)
	if !ok {
		return nil, Hints{}, fmt.Errorf("%w: %q", model.ErrUnknownFormat, spec.Name)
	}
	hints := Hints{Masks: def.masks, Delimiters: def.Delimiters}

	if p, ok := c.compiled[def.Name]; ok {
		return p, hints, nil
	}
	var (
		p   Parser
		err error
	)
	if def.build != nil {
		p, err = def.build()
	} else {
		p, err = CompileFormat(def.Name, def.LogFormat)
	}
	if err != nil {
		return nil, Hints{}, err
	}
	c.compiled[def.Name] = p
	return p, hints, nil
}

// Validate checks that spec resolves without keeping the result.
func (c *Catalog) Validate(spec model.FormatSpec) error {
	_, _, err := c.Resolve(spec)
	return err
}
