package registry

import (
	"fmt"
	"strings"
)

// Registry is the immutable template catalog. It is safe for concurrent
// readers; every accessor returns copies.
type Registry struct {
	steps       map[string]StepDescriptor
	fields      map[string]FieldSchema
	templates   map[string]Template
	order       []string
	bookkeeping []string
}

// New validates a catalog and freezes it into a Registry.
func New(cat Catalog) (*Registry, error) {
	r := &Registry{
		steps:     make(map[string]StepDescriptor, len(cat.Steps)),
		fields:    make(map[string]FieldSchema, len(cat.Fields)),
		templates: make(map[string]Template, len(cat.Templates)),
	}

	for _, step := range cat.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return nil, fmt.Errorf("registry: step with empty id")
		}
		if _, exists := r.steps[id]; exists {
			return nil, fmt.Errorf("registry: duplicate step %q", id)
		}
		step.ID = id
		r.steps[id] = step
	}

	for _, field := range cat.Fields {
		if err := field.validate("catalog"); err != nil {
			return nil, err
		}
		if _, exists := r.fields[field.ID]; exists {
			return nil, fmt.Errorf("registry: duplicate field %q", field.ID)
		}
		if field.Width == "" {
			field.Width = WidthFull
		}
		r.fields[field.ID] = field.Clone()
	}

	for _, tpl := range cat.Templates {
		id := strings.TrimSpace(tpl.ID)
		if id == "" {
			return nil, fmt.Errorf("registry: template with empty id")
		}
		if _, exists := r.templates[id]; exists {
			return nil, fmt.Errorf("registry: duplicate template %q", id)
		}
		tpl.ID = id
		if err := r.checkTemplate(tpl); err != nil {
			return nil, err
		}
		r.templates[id] = tpl.Clone()
		r.order = append(r.order, id)
	}

	seen := make(map[string]struct{}, len(cat.Bookkeeping))
	for _, id := range cat.Bookkeeping {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		r.bookkeeping = append(r.bookkeeping, id)
	}

	return r, nil
}

func (r *Registry) checkTemplate(tpl Template) error {
	if len(tpl.Steps) == 0 {
		return fmt.Errorf("registry: template %q has no steps", tpl.ID)
	}
	placed := make(map[string]struct{}, len(tpl.Steps))
	for _, step := range tpl.Steps {
		if _, ok := r.steps[step.ID]; !ok {
			return fmt.Errorf("registry: template %q references unknown step %q", tpl.ID, step.ID)
		}
		if _, dup := placed[step.ID]; dup {
			return fmt.Errorf("registry: template %q places step %q twice", tpl.ID, step.ID)
		}
		placed[step.ID] = struct{}{}
		if err := r.checkRefs(tpl.ID, step.ID, step.Fields); err != nil {
			return err
		}
		for _, variant := range step.Variants {
			if err := r.checkRefs(tpl.ID, step.ID, variant.Fields); err != nil {
				return err
			}
		}
	}
	for _, id := range tpl.GatedSteps {
		if _, ok := placed[id]; !ok {
			return fmt.Errorf("registry: template %q gates unplaced step %q", tpl.ID, id)
		}
	}
	if tpl.SignerField != "" && tpl.CodeField == "" {
		return fmt.Errorf("registry: template %q sets signerField without codeField", tpl.ID)
	}
	return nil
}

func (r *Registry) checkRefs(tplID, stepID string, refs []FieldRef) error {
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, ok := r.fields[ref.Ref]; !ok {
			return fmt.Errorf("registry: template %q step %q references unknown field %q", tplID, stepID, ref.Ref)
		}
		if _, dup := seen[ref.Ref]; dup {
			return fmt.Errorf("registry: template %q step %q lists field %q twice", tplID, stepID, ref.Ref)
		}
		if ref.Width != "" && !ref.Width.valid() {
			return fmt.Errorf("registry: template %q step %q field %q has unknown width %q", tplID, stepID, ref.Ref, ref.Width)
		}
		seen[ref.Ref] = struct{}{}
	}
	return nil
}

// Template returns a copy of the template with the given id.
func (r *Registry) Template(id string) (Template, bool) {
	if r == nil {
		return Template{}, false
	}
	tpl, ok := r.templates[id]
	if !ok {
		return Template{}, false
	}
	return tpl.Clone(), true
}

// Templates lists every template in catalog order.
func (r *Registry) Templates() []Template {
	if r == nil {
		return nil
	}
	out := make([]Template, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.templates[id].Clone())
	}
	return out
}

// Step returns the shared descriptor for a step id.
func (r *Registry) Step(id string) (StepDescriptor, bool) {
	if r == nil {
		return StepDescriptor{}, false
	}
	step, ok := r.steps[id]
	return step, ok
}

// Field returns the shared schema for a field id.
func (r *Registry) Field(id string) (FieldSchema, bool) {
	if r == nil {
		return FieldSchema{}, false
	}
	field, ok := r.fields[id]
	if !ok {
		return FieldSchema{}, false
	}
	return field.Clone(), true
}

// Bookkeeping lists the field ids always accepted in a generation payload.
func (r *Registry) Bookkeeping() []string {
	if r == nil {
		return nil
	}
	return cloneStrings(r.bookkeeping)
}

// Rules calls fn for every visibility rule in the catalog, stopping at the
// first error. Callers use it to pre-compile rules at startup.
func (r *Registry) Rules(fn func(templateID, stepID, rule string) error) error {
	if r == nil {
		return nil
	}
	for _, id := range r.order {
		tpl := r.templates[id]
		for _, step := range tpl.Steps {
			if step.When != "" {
				if err := fn(id, step.ID, step.When); err != nil {
					return err
				}
			}
			for _, variant := range step.Variants {
				if variant.When == "" {
					continue
				}
				if err := fn(id, step.ID, variant.When); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
