package registry

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the raw, unvalidated content of one or more catalog documents.
type Catalog struct {
	Bookkeeping []string         `json:"bookkeeping,omitempty" yaml:"bookkeeping,omitempty"`
	Steps       []StepDescriptor `json:"steps" yaml:"steps"`
	Fields      []FieldSchema    `json:"fields" yaml:"fields"`
	Templates   []Template       `json:"templates" yaml:"templates"`
}

// LoadFS walks fsys and merges every YAML/JSON catalog document it finds,
// in lexical path order, into a Registry. Duplicate ids across files are
// rejected.
func LoadFS(fsys fs.FS) (*Registry, error) {
	if fsys == nil {
		return nil, fmt.Errorf("registry: filesystem is required")
	}

	var paths []string
	err := fs.WalkDir(fsys, ".", func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() || !isCatalogFile(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("registry: no catalog documents found")
	}
	sort.Strings(paths)

	var merged Catalog
	for _, path := range paths {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("registry: read %s: %w", path, err)
		}
		doc, err := ParseCatalog(data, path)
		if err != nil {
			return nil, err
		}
		merged.Bookkeeping = append(merged.Bookkeeping, doc.Bookkeeping...)
		merged.Steps = append(merged.Steps, doc.Steps...)
		merged.Fields = append(merged.Fields, doc.Fields...)
		merged.Templates = append(merged.Templates, doc.Templates...)
	}

	return New(merged)
}

// ParseCatalog decodes a single catalog document. JSON documents are parsed
// through the YAML decoder, which accepts them as a subset.
func ParseCatalog(data []byte, source string) (Catalog, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Catalog{}, fmt.Errorf("registry: file %s is empty", source)
	}
	var doc Catalog
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Catalog{}, fmt.Errorf("registry: parse %s: %w", source, err)
	}
	for _, field := range doc.Fields {
		if err := field.validate(source); err != nil {
			return Catalog{}, err
		}
	}
	return doc, nil
}

func isCatalogFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}
