package registry

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldType enumerates the input kinds a field schema can declare.
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypeEmail    FieldType = "email"
	FieldTypeSelect   FieldType = "select"
	FieldTypeDate     FieldType = "date"
	FieldTypeTime     FieldType = "time"
	FieldTypeTextarea FieldType = "textarea"
)

func (t FieldType) valid() bool {
	switch t {
	case FieldTypeText, FieldTypeEmail, FieldTypeSelect, FieldTypeDate, FieldTypeTime, FieldTypeTextarea:
		return true
	default:
		return false
	}
}

// Width is the display width hint renderers use to lay fields out on a grid.
type Width string

const (
	WidthFull  Width = "full"
	WidthHalf  Width = "half"
	WidthThird Width = "third"
)

func (w Width) valid() bool {
	switch w {
	case WidthFull, WidthHalf, WidthThird:
		return true
	default:
		return false
	}
}

// FieldSchema is the immutable definition of one form input. Only inclusion,
// order and relabeling vary at resolution time.
type FieldSchema struct {
	ID              string    `json:"id" yaml:"id"`
	Label           string    `json:"label" yaml:"label"`
	Type            FieldType `json:"type" yaml:"type"`
	Required        bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Width           Width     `json:"width,omitempty" yaml:"width,omitempty"`
	Placeholder     string    `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	Icon            string    `json:"icon,omitempty" yaml:"icon,omitempty"`
	Options         []string  `json:"options,omitempty" yaml:"options,omitempty"`
	Rows            int       `json:"rows,omitempty" yaml:"rows,omitempty"`
	MaxLength       int       `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	ForceUppercase  bool      `json:"forceUppercase,omitempty" yaml:"forceUppercase,omitempty"`
	UppercaseToggle bool      `json:"uppercaseToggle,omitempty" yaml:"uppercaseToggle,omitempty"`
	MultiEmail      bool      `json:"multiEmail,omitempty" yaml:"multiEmail,omitempty"`
}

// IsEmail reports whether the field carries one or more email addresses,
// either by type or because its identifier names an email.
func (f FieldSchema) IsEmail() bool {
	return f.Type == FieldTypeEmail || strings.Contains(strings.ToLower(f.ID), "email")
}

// Clone returns a deep copy so callers can never alias catalog slices.
func (f FieldSchema) Clone() FieldSchema {
	out := f
	if len(f.Options) > 0 {
		out.Options = append([]string(nil), f.Options...)
	}
	return out
}

// StepDescriptor is a shared wizard page definition.
type StepDescriptor struct {
	ID          string `json:"id" yaml:"id"`
	Label       string `json:"label" yaml:"label"`
	Icon        string `json:"icon,omitempty" yaml:"icon,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// StepOverride relabels a step for a template or variant. Empty values keep
// the shared definition.
type StepOverride struct {
	Label       string `json:"label,omitempty" yaml:"label,omitempty"`
	Icon        string `json:"icon,omitempty" yaml:"icon,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Apply merges the override into a descriptor.
func (o StepOverride) Apply(step StepDescriptor) StepDescriptor {
	if o.Label != "" {
		step.Label = o.Label
	}
	if o.Icon != "" {
		step.Icon = o.Icon
	}
	if o.Description != "" {
		step.Description = o.Description
	}
	return step
}

// FieldRef points at a shared field schema and optionally overrides parts of
// it for one template step. In YAML a bare string is accepted as shorthand
// for a reference without overrides.
type FieldRef struct {
	Ref         string `json:"ref" yaml:"ref"`
	Label       string `json:"label,omitempty" yaml:"label,omitempty"`
	Placeholder string `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	Width       Width  `json:"width,omitempty" yaml:"width,omitempty"`
	Required    *bool  `json:"required,omitempty" yaml:"required,omitempty"`
	MultiEmail  *bool  `json:"multiEmail,omitempty" yaml:"multiEmail,omitempty"`
}

// UnmarshalYAML accepts either `- fieldId` or a mapping with overrides.
func (r *FieldRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.Ref = strings.TrimSpace(node.Value)
		return nil
	}
	type plain FieldRef
	var out plain
	if err := node.Decode(&out); err != nil {
		return err
	}
	*r = FieldRef(out)
	return nil
}

// Resolve applies the overrides to the referenced schema.
func (r FieldRef) Resolve(base FieldSchema) FieldSchema {
	out := base.Clone()
	if r.Label != "" {
		out.Label = r.Label
	}
	if r.Placeholder != "" {
		out.Placeholder = r.Placeholder
	}
	if r.Width != "" {
		out.Width = r.Width
	}
	if r.Required != nil {
		out.Required = *r.Required
	}
	if r.MultiEmail != nil {
		out.MultiEmail = *r.MultiEmail
	}
	return out
}

// Variant is an alternative field list (and labeling) for a step, selected
// when its rule matches the current sub-state. A variant without a rule is
// the fallback.
type Variant struct {
	When         string `json:"when,omitempty" yaml:"when,omitempty"`
	StepOverride `json:",inline" yaml:",inline"`
	Fields       []FieldRef `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// TemplateStep places a shared step into a template.
type TemplateStep struct {
	ID           string `json:"id" yaml:"id"`
	When         string `json:"when,omitempty" yaml:"when,omitempty"`
	StepOverride `json:",inline" yaml:",inline"`
	Fields       []FieldRef `json:"fields,omitempty" yaml:"fields,omitempty"`
	Variants     []Variant  `json:"variants,omitempty" yaml:"variants,omitempty"`
}

// Filename describes how download names are built for a template. Pattern is
// a pongo2 template rendering the file stem; SuffixFields are tried in order
// to build the `suffix` variable before falling back to a timestamp.
type Filename struct {
	Pattern      string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	SuffixFields []string `json:"suffixFields,omitempty" yaml:"suffixFields,omitempty"`
}

// Template is an immutable document type.
type Template struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`

	Steps []TemplateStep `json:"steps" yaml:"steps"`

	// Discriminants lists the fields whose values select step variants.
	Discriminants []string `json:"discriminants,omitempty" yaml:"discriminants,omitempty"`
	// Carry lists fields kept when a discriminant changes value.
	Carry []string `json:"carry,omitempty" yaml:"carry,omitempty"`
	// Defaults seeds a fresh draft.
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	// AlwaysInclude adds valid field ids regardless of the resolved steps.
	AlwaysInclude []string `json:"alwaysInclude,omitempty" yaml:"alwaysInclude,omitempty"`
	// SignerField names the field whose value seeds the document code.
	SignerField string `json:"signerField,omitempty" yaml:"signerField,omitempty"`
	// CodeField names the generated document code field.
	CodeField string `json:"codeField,omitempty" yaml:"codeField,omitempty"`
	// GatedSteps lists steps that cannot be entered until every
	// discriminant is set.
	GatedSteps []string `json:"gatedSteps,omitempty" yaml:"gatedSteps,omitempty"`

	Filename Filename `json:"filename,omitempty" yaml:"filename,omitempty"`
}

// HasDiscriminant reports whether fieldID selects variants of this template.
func (t Template) HasDiscriminant(fieldID string) bool {
	return contains(t.Discriminants, fieldID)
}

// Carries reports whether fieldID survives a discriminant change.
func (t Template) Carries(fieldID string) bool {
	return contains(t.Carry, fieldID)
}

// IsGated reports whether stepID requires every discriminant to be set.
func (t Template) IsGated(stepID string) bool {
	return contains(t.GatedSteps, stepID)
}

// Clone returns a deep copy of the template.
func (t Template) Clone() Template {
	out := t
	out.Steps = make([]TemplateStep, len(t.Steps))
	for i, step := range t.Steps {
		out.Steps[i] = step.clone()
	}
	out.Discriminants = cloneStrings(t.Discriminants)
	out.Carry = cloneStrings(t.Carry)
	out.AlwaysInclude = cloneStrings(t.AlwaysInclude)
	out.GatedSteps = cloneStrings(t.GatedSteps)
	out.Filename.SuffixFields = cloneStrings(t.Filename.SuffixFields)
	if t.Defaults != nil {
		out.Defaults = make(map[string]string, len(t.Defaults))
		for k, v := range t.Defaults {
			out.Defaults[k] = v
		}
	}
	return out
}

// Step returns the template's placement of stepID.
func (t Template) Step(stepID string) (TemplateStep, bool) {
	for _, step := range t.Steps {
		if step.ID == stepID {
			return step.clone(), true
		}
	}
	return TemplateStep{}, false
}

func (s TemplateStep) clone() TemplateStep {
	out := s
	out.Fields = cloneRefs(s.Fields)
	if len(s.Variants) > 0 {
		out.Variants = make([]Variant, len(s.Variants))
		for i, v := range s.Variants {
			v.Fields = cloneRefs(v.Fields)
			out.Variants[i] = v
		}
	}
	return out
}

func cloneRefs(refs []FieldRef) []FieldRef {
	if refs == nil {
		return nil
	}
	return append([]FieldRef(nil), refs...)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func (f FieldSchema) validate(source string) error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("registry: file %s defines a field with an empty id", source)
	}
	if !f.Type.valid() {
		return fmt.Errorf("registry: field %q (file %s) has unknown type %q", f.ID, source, f.Type)
	}
	if f.Width != "" && !f.Width.valid() {
		return fmt.Errorf("registry: field %q (file %s) has unknown width %q", f.ID, source, f.Width)
	}
	return nil
}
