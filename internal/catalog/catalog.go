// Package catalog holds the response-template table the dispatcher selects from.
//
// A Catalog is decoded from YAML, validated against an embedded JSON Schema and
// compiled once. It is never mutated afterwards and is safe for concurrent use.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// FallbackID is the rule id reported when no rule matched.
const FallbackID = "fallback"

const defaultExcerptLength = 50

//go:embed catalog.yaml
var defaultDocument []byte

//go:embed catalog.schema.json
var schemaDocument []byte

type Catalog struct {
	Model          string   `yaml:"model"`
	ServiceMessage string   `yaml:"service_message"`
	Info           Info     `yaml:"info"`
	Rules          []Rule   `yaml:"rules"`
	Fallback       Fallback `yaml:"fallback"`
}

// Info is the static payload served by the info endpoint.
type Info struct {
	ModelName    string   `yaml:"model_name"`
	Version      string   `yaml:"version"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
	Improvements []string `yaml:"improvements"`
	Note         string   `yaml:"note"`
}

// Rule pairs a keyword predicate with the template it selects.
// A prompt matches when it contains at least one Any keyword (if any are set)
// and every All keyword.
type Rule struct {
	ID           string   `yaml:"id"`
	AnalysisType string   `yaml:"analysis_type"`
	Any          []string `yaml:"any"`
	All          []string `yaml:"all"`
	Template     string   `yaml:"template"`
}

type Fallback struct {
	AnalysisType  string `yaml:"analysis_type"`
	ExcerptLength int    `yaml:"excerpt_length"`
	Template      string `yaml:"template"`

	tmpl *template.Template
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultDocument)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, validates and compiles a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return &c, nil
}

func validateDocument(doc map[string]interface{}) error {
	schemaLoader := gojsonschema.NewBytesLoader(schemaDocument)
	documentLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("catalog validation error: %w", err)
	}

	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("catalog validation failed: %v", errs)
	}

	return nil
}

func (c *Catalog) compile() error {
	seen := make(map[string]bool, len(c.Rules))
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.ID == FallbackID {
			return fmt.Errorf("rule id %q is reserved", FallbackID)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		r.Any = lowerAll(r.Any)
		r.All = lowerAll(r.All)
	}

	if c.Fallback.ExcerptLength == 0 {
		c.Fallback.ExcerptLength = defaultExcerptLength
	}
	tmpl, err := template.New(FallbackID).Option("missingkey=error").Parse(c.Fallback.Template)
	if err != nil {
		return fmt.Errorf("invalid fallback template: %w", err)
	}
	c.Fallback.tmpl = tmpl

	return nil
}

// Match returns the first rule whose predicate holds for the lower-cased prompt.
func (c *Catalog) Match(lowered string) (*Rule, bool) {
	for i := range c.Rules {
		if c.Rules[i].Matches(lowered) {
			return &c.Rules[i], true
		}
	}
	return nil, false
}

// Matches reports whether the lower-cased prompt satisfies the rule's predicate.
func (r *Rule) Matches(lowered string) bool {
	if len(r.Any) == 0 && len(r.All) == 0 {
		return false
	}
	if len(r.Any) > 0 && !containsAny(lowered, r.Any) {
		return false
	}
	for _, kw := range r.All {
		if !strings.Contains(lowered, kw) {
			return false
		}
	}
	return true
}

// RenderFallback fills the fallback template with an excerpt of the lower-cased prompt.
func (c *Catalog) RenderFallback(lowered string) (string, error) {
	var buf bytes.Buffer
	data := struct{ Excerpt string }{
		Excerpt: Excerpt(lowered, c.Fallback.ExcerptLength),
	}
	if err := c.Fallback.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render fallback template: %w", err)
	}
	return buf.String(), nil
}

// Excerpt returns the first n runes of s.
func Excerpt(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
