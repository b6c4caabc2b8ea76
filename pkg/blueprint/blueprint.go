// Package blueprint implements the Blueprint Parser of spec §4.F: YAML
// document parsing, producer import/catalog resolution, and cycle
// detection, yielding a tree of BlueprintNode ready for canonical expansion.
package blueprint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forgekit/mosaic/pkg/forgeerr"
)

// Document is the raw top-level shape of a blueprint YAML file, per spec
// §6's list of consumed keys.
type Document struct {
	Meta        Meta                   `yaml:"meta"`
	Inputs      []InputDecl            `yaml:"inputs,omitempty"`
	Artifacts   []ArtifactDecl         `yaml:"artifacts,omitempty"`
	Loops       []LoopDecl             `yaml:"loops,omitempty"`
	Producers   []ProducerImport       `yaml:"producers,omitempty"`
	Connections []Connection           `yaml:"connections,omitempty"`
	Collectors  []Collector            `yaml:"collectors,omitempty"`
	Conditions  map[string]Condition   `yaml:"conditions,omitempty"`
	Mappings    map[string]ArrayMapping `yaml:"mappings,omitempty"`
	// Schemas holds named JSON Schema documents that an ArtifactDecl.Schema
	// field may reference; an artifact whose Schema also has a Mappings
	// entry is decomposed per that mapping once the schema compiles.
	Schemas map[string]string `yaml:"schemas,omitempty"`
	Models  []ModelOption     `yaml:"models,omitempty"`
}

// Meta carries blueprint identity metadata.
type Meta struct {
	Name string `yaml:"name"`
}

// InputDecl declares one blueprint input.
type InputDecl struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required,omitempty"`
}

// ArtifactDecl declares one artifact a producer emits.
type ArtifactDecl struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Schema  string `yaml:"schema,omitempty"`
}

// LoopDecl declares one dimensional loop per spec §4.G step 1.
type LoopDecl struct {
	Name             string `yaml:"name"`
	CountInput       string `yaml:"countInput"`
	CountInputOffset int    `yaml:"countInputOffset,omitempty"`
}

// ProducerImport is one producer reference: either a relative Path or a
// qualified Producer name resolved against the catalog, per spec §4.F.
type ProducerImport struct {
	Alias    string `yaml:"alias"`
	Path     string `yaml:"path,omitempty"`
	Producer string `yaml:"producer,omitempty"`
}

// Connection is one authored edge, with optional dimension symbols still
// unresolved and an optional attached Condition.
type Connection struct {
	From      string     `yaml:"from"`
	To        string     `yaml:"to"`
	Condition *Condition `yaml:"condition,omitempty"`
}

// Collector groups a set of sources into a fan-in, normalized into
// canonical edges during parsing.
type Collector struct {
	Name    string   `yaml:"name"`
	Sources []string `yaml:"sources"`
	GroupBy string   `yaml:"groupBy,omitempty"`
	OrderBy string   `yaml:"orderBy,omitempty"`
	Target  string   `yaml:"target"`
}

// Condition is a clause or group per spec §4.I's grammar.
type Condition struct {
	When           string      `yaml:"when,omitempty"`
	Is             any         `yaml:"is,omitempty"`
	IsNot          any         `yaml:"isNot,omitempty"`
	Contains       any         `yaml:"contains,omitempty"`
	GreaterThan    any         `yaml:"greaterThan,omitempty"`
	LessThan       any         `yaml:"lessThan,omitempty"`
	GreaterOrEqual any         `yaml:"greaterOrEqual,omitempty"`
	LessOrEqual    any         `yaml:"lessOrEqual,omitempty"`
	Exists         *bool       `yaml:"exists,omitempty"`
	Matches        string      `yaml:"matches,omitempty"`
	All            []Condition `yaml:"all,omitempty"`
	Any            []Condition `yaml:"any,omitempty"`
}

// ArrayMapping describes a JSON-schema artifact's internal array dimensions
// for decomposition, per spec §4.G step 4. Path is the dot-separated
// descent from the artifact root to the array field; ItemsCount names the
// resolved input whose value (an int or a slice's length) gives the
// array's cardinality, the same way a LoopDecl's countInput does.
type ArrayMapping struct {
	Path       string `yaml:"path"`
	ItemsCount string `yaml:"itemsCount,omitempty"`
}

// ModelOption appears only in leaf producer blueprints, per spec §6.
type ModelOption struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Node is one resolved position in the blueprint import tree.
type Node struct {
	ID            string
	NamespacePath []string
	Document      Document
	Children      []*Node
}

// Catalog resolves a qualified producer name to a filesystem path, per spec
// §4.F's "<catalog>/producers/" convention.
type Catalog struct {
	Root string
}

// ProducerPath resolves "ns.sub.name" to <root>/producers/ns/sub/name.yaml.
func (c Catalog) ProducerPath(qualified string) string {
	parts := strings.Split(qualified, ".")
	segs := append([]string{c.Root, "producers"}, parts...)
	return filepath.Join(segs...) + ".yaml"
}

// Parser parses a root blueprint file plus its producer imports into a tree.
type Parser struct {
	catalog Catalog
}

// New builds a Parser resolving imports against catalog.
func New(catalog Catalog) *Parser {
	return &Parser{catalog: catalog}
}

// Parse reads rootPath and recursively resolves its producer imports,
// detecting cycles via the in-progress path set, per spec §4.F.
func (p *Parser) Parse(rootPath string) (*Node, error) {
	return p.parseFile(rootPath, nil, nil)
}

func (p *Parser) parseFile(path string, namespace []string, inProgress []string) (*Node, error) {
	for _, seen := range inProgress {
		if seen == path {
			return nil, forgeerr.Validation(forgeerr.CodeBlueprintValidationFailed,
				fmt.Sprintf("circular import detected: %s", strings.Join(append(inProgress, path), " -> "))).
				WithSuggestion("remove the cycle among producer imports")
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blueprint: read %s: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, forgeerr.Validation(forgeerr.CodeBlueprintValidationFailed,
			fmt.Sprintf("failed to parse %s: %v", path, err))
	}

	if len(doc.Producers) > 0 && len(doc.Models) > 0 {
		return nil, forgeerr.Validation(forgeerr.CodeBlueprintValidationFailed,
			fmt.Sprintf("%s both imports producers and declares a models list", path)).
			WithSuggestion("a document is either a composite (imports) or a leaf (models), never both")
	}

	if err := validateDimensionSymbols(doc); err != nil {
		return nil, err
	}

	node := &Node{ID: path, NamespacePath: namespace, Document: doc}

	nextProgress := append(append([]string{}, inProgress...), path)
	for _, imp := range doc.Producers {
		childPath, err := p.resolveImportPath(path, imp)
		if err != nil {
			return nil, err
		}
		childNS := append(append([]string{}, namespace...), imp.Alias)
		child, err := p.parseFile(childPath, childNS, nextProgress)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}

	return node, nil
}

func (p *Parser) resolveImportPath(fromPath string, imp ProducerImport) (string, error) {
	switch {
	case imp.Path != "":
		if filepath.IsAbs(imp.Path) {
			return imp.Path, nil
		}
		return filepath.Join(filepath.Dir(fromPath), imp.Path), nil
	case imp.Producer != "":
		return p.catalog.ProducerPath(imp.Producer), nil
	default:
		return "", forgeerr.Validation(forgeerr.CodeBlueprintValidationFailed,
			fmt.Sprintf("producer import %q has neither path nor producer", imp.Alias))
	}
}

// validateDimensionSymbols rejects a connection whose from/to endpoint
// references a loop name not declared in this document, per spec §4.F.
// Condition paths are not checked.
func validateDimensionSymbols(doc Document) error {
	declared := make(map[string]struct{}, len(doc.Loops))
	for _, l := range doc.Loops {
		declared[l.Name] = struct{}{}
	}

	check := func(expr string) error {
		for _, sym := range extractSymbols(expr) {
			if _, ok := declared[sym]; !ok {
				return forgeerr.Validation(forgeerr.CodeUnknownDimension,
					fmt.Sprintf("unknown dimension symbol %q in %q", sym, expr))
			}
		}
		return nil
	}

	for _, conn := range doc.Connections {
		if err := check(conn.From); err != nil {
			return err
		}
		if err := check(conn.To); err != nil {
			return err
		}
	}
	return nil
}

// extractSymbols pulls non-numeric bracketed dimension names (ignoring any
// +/- offset suffix) out of a canonical-ish ID string.
func extractSymbols(s string) []string {
	var out []string
	for {
		start := strings.IndexByte(s, '[')
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start:], ']')
		if end < 0 {
			break
		}
		inner := s[start+1 : start+end]
		s = s[start+end+1:]

		if inner == "" {
			continue
		}
		if isAllDigits(inner) {
			continue
		}
		sym := inner
		for i := 1; i < len(inner); i++ {
			if inner[i] == '+' || inner[i] == '-' {
				sym = inner[:i]
				break
			}
		}
		out = append(out, sym)
	}
	return out
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
