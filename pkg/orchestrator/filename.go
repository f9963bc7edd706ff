package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/flosch/pongo2/v6"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/goliatone/go-docwizard/pkg/formdata"
	"github.com/goliatone/go-docwizard/pkg/registry"
)

const defaultFilenamePattern = "Document_{{ suffix }}"

var registerFiltersOnce sync.Once

func registerFilenameFilters() {
	registerFiltersOnce.Do(func() {
		if pongo2.FilterExists("lastword") {
			return
		}
		_ = pongo2.RegisterFilter("lastword", func(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
			words := strings.Fields(in.String())
			if len(words) == 0 {
				return pongo2.AsValue(""), nil
			}
			return pongo2.AsValue(words[len(words)-1]), nil
		})
	})
}

// FilenameBuilder renders download names from each template's pongo2
// pattern. Patterns see the cleaned form values plus `suffix`, the first
// non-empty suffix field slugged, or a millisecond timestamp.
type FilenameBuilder struct {
	patterns map[string]*pongo2.Template
	suffixes map[string][]string
	fallback *pongo2.Template
	now      func() time.Time
}

// NewFilenameBuilder compiles every template pattern of reg.
func NewFilenameBuilder(reg *registry.Registry, now func() time.Time) (*FilenameBuilder, error) {
	registerFilenameFilters()
	if now == nil {
		now = time.Now
	}

	fallback, err := compilePattern(defaultFilenamePattern)
	if err != nil {
		return nil, err
	}
	b := &FilenameBuilder{
		patterns: make(map[string]*pongo2.Template),
		suffixes: make(map[string][]string),
		fallback: fallback,
		now:      now,
	}
	for _, tpl := range reg.Templates() {
		b.suffixes[tpl.ID] = tpl.Filename.SuffixFields
		if strings.TrimSpace(tpl.Filename.Pattern) == "" {
			continue
		}
		compiled, err := compilePattern(tpl.Filename.Pattern)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: template %q filename pattern: %w", tpl.ID, err)
		}
		b.patterns[tpl.ID] = compiled
	}
	return b, nil
}

func compilePattern(pattern string) (*pongo2.Template, error) {
	return pongo2.FromString("{% autoescape off %}" + pattern + "{% endautoescape %}")
}

// Build returns `<stem>.<ext>` for the template and cleaned data.
func (b *FilenameBuilder) Build(templateID string, data formdata.FormData, ext string) (string, error) {
	tpl, ok := b.patterns[templateID]
	if !ok {
		tpl = b.fallback
	}

	ctx := pongo2.Context{}
	for key, value := range data {
		ctx[key] = value
	}
	ctx["suffix"] = b.suffix(templateID, data)

	stem, err := tpl.Execute(ctx)
	if err != nil {
		return "", fmt.Errorf("orchestrator: render filename for %q: %w", templateID, err)
	}
	stem = sanitizeFilename(stem)
	if stem == "" {
		stem = "Document_" + b.timestamp()
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return stem, nil
	}
	return stem + "." + ext, nil
}

func (b *FilenameBuilder) suffix(templateID string, data formdata.FormData) string {
	for _, field := range b.suffixes[templateID] {
		if slug := Slug(data[field]); slug != "" {
			return slug
		}
	}
	return b.timestamp()
}

func (b *FilenameBuilder) timestamp() string {
	return strconv.FormatInt(b.now().UnixMilli(), 10)
}

// Slug strips accents and whitespace and keeps only ASCII letters, digits,
// underscores and hyphens.
func Slug(value string) string {
	// Chained transformers carry buffers, so each call builds its own.
	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(stripper, strings.TrimSpace(value))
	if err != nil {
		stripped = value
	}
	var b strings.Builder
	for _, r := range stripped {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sanitizeFilename(stem string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return -1
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, stem))
}
