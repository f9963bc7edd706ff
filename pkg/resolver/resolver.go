package resolver

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/goliatone/go-docwizard/pkg/registry"
	"github.com/goliatone/go-docwizard/pkg/visibility"
	visibilityexpr "github.com/goliatone/go-docwizard/pkg/visibility/expr"
)

// SubState holds the discriminant values of a template, keyed by field id.
// Discriminants without a value are present with an empty string so rules
// can always reference them.
type SubState map[string]string

// Customizations supplies user-defined field layouts. A hit replaces the
// default resolution for that (template, step) pair.
type Customizations interface {
	Lookup(templateID, stepID string) ([]registry.FieldSchema, bool)
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithEvaluator swaps the rule evaluator. Defaults to the expr-lang
// evaluator.
func WithEvaluator(eval visibility.Evaluator) Option {
	return func(r *Resolver) {
		if eval != nil {
			r.eval = eval
		}
	}
}

// WithLogger sets the logger used to report rule failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Resolver derives the visible steps and fields of a template from the
// immutable registry. It holds no mutable state besides the evaluator's
// program cache and can be shared between sessions.
type Resolver struct {
	reg    *registry.Registry
	eval   visibility.Evaluator
	logger *slog.Logger
}

// New builds a Resolver. When the evaluator can compile rules ahead of time
// every catalog rule is checked so a malformed catalog fails at startup.
func New(reg *registry.Registry, options ...Option) (*Resolver, error) {
	if reg == nil {
		return nil, fmt.Errorf("resolver: registry is required")
	}
	r := &Resolver{
		reg:    reg,
		eval:   visibilityexpr.New(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(r)
	}

	if compiler, ok := r.eval.(visibility.Compiler); ok {
		err := reg.Rules(func(templateID, stepID, rule string) error {
			if err := compiler.Compile(rule); err != nil {
				return fmt.Errorf("resolver: template %q step %q: %w", templateID, stepID, err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Registry exposes the catalog the resolver reads from.
func (r *Resolver) Registry() *registry.Registry {
	return r.reg
}

// SubState extracts the template's discriminant values from data.
func (r *Resolver) SubState(templateID string, data map[string]string) SubState {
	tpl, ok := r.reg.Template(templateID)
	if !ok || len(tpl.Discriminants) == 0 {
		return SubState{}
	}
	out := make(SubState, len(tpl.Discriminants))
	for _, id := range tpl.Discriminants {
		out[id] = strings.TrimSpace(data[id])
	}
	return out
}

// ResolveSteps returns the visible steps of a template in template order
// with template and variant relabeling applied. An unknown or empty template
// id yields nil.
func (r *Resolver) ResolveSteps(templateID string, sub SubState) []registry.StepDescriptor {
	tpl, ok := r.reg.Template(templateID)
	if !ok {
		return nil
	}

	steps := make([]registry.StepDescriptor, 0, len(tpl.Steps))
	for _, step := range tpl.Steps {
		if !r.visible(tpl.ID, step.ID, step.When, sub) {
			continue
		}
		desc, ok := r.reg.Step(step.ID)
		if !ok {
			continue
		}
		desc = step.StepOverride.Apply(desc)
		if variant, ok := r.variant(tpl.ID, step, sub); ok {
			desc = variant.StepOverride.Apply(desc)
		}
		steps = append(steps, desc)
	}
	return steps
}

// ResolveFields returns the ordered field schemas of a step. A customization
// for the pair is returned verbatim; otherwise the matching variant's refs,
// or the step's default refs, are resolved against the shared schemas.
// custom may be nil. The result is always a fresh slice.
func (r *Resolver) ResolveFields(templateID, stepID string, sub SubState, custom Customizations) []registry.FieldSchema {
	if custom != nil {
		if fields, ok := custom.Lookup(templateID, stepID); ok {
			return cloneFields(fields)
		}
	}
	return r.DefaultFields(templateID, stepID, sub)
}

// DefaultFields resolves a step's fields ignoring any customization.
func (r *Resolver) DefaultFields(templateID, stepID string, sub SubState) []registry.FieldSchema {
	tpl, ok := r.reg.Template(templateID)
	if !ok {
		return nil
	}
	step, ok := tpl.Step(stepID)
	if !ok {
		return nil
	}

	refs := step.Fields
	if variant, ok := r.variant(tpl.ID, step, sub); ok {
		refs = variant.Fields
	}

	out := make([]registry.FieldSchema, 0, len(refs))
	for _, ref := range refs {
		base, ok := r.reg.Field(ref.Ref)
		if !ok {
			continue
		}
		out = append(out, ref.Resolve(base))
	}
	return out
}

// ValidFieldIDs is the set of field ids a payload for the template may
// carry: every field of every resolved step, the catalog bookkeeping ids and
// the template's always-included ids.
func (r *Resolver) ValidFieldIDs(templateID string, sub SubState, custom Customizations) map[string]struct{} {
	tpl, ok := r.reg.Template(templateID)
	if !ok {
		return map[string]struct{}{}
	}

	ids := make(map[string]struct{})
	for _, step := range r.ResolveSteps(templateID, sub) {
		for _, field := range r.ResolveFields(templateID, step.ID, sub, custom) {
			ids[field.ID] = struct{}{}
		}
	}
	for _, id := range r.reg.Bookkeeping() {
		ids[id] = struct{}{}
	}
	for _, id := range tpl.AlwaysInclude {
		ids[id] = struct{}{}
	}
	return ids
}

// ClampStepIndex keeps an active step index inside [0, count). Out of range
// indexes fall back to the first step.
func ClampStepIndex(index, count int) int {
	if count <= 0 || index < 0 || index >= count {
		return 0
	}
	return index
}

func (r *Resolver) variant(templateID string, step registry.TemplateStep, sub SubState) (registry.Variant, bool) {
	var fallback *registry.Variant
	for i := range step.Variants {
		variant := step.Variants[i]
		if strings.TrimSpace(variant.When) == "" {
			if fallback == nil {
				fallback = &step.Variants[i]
			}
			continue
		}
		if r.visible(templateID, step.ID, variant.When, sub) {
			return variant, true
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return registry.Variant{}, false
}

func (r *Resolver) visible(templateID, stepID, rule string, sub SubState) bool {
	if strings.TrimSpace(rule) == "" {
		return true
	}
	ok, err := r.eval.Eval(templateID+"/"+stepID, rule, visibility.Context{Values: sub})
	if err != nil {
		r.logger.Warn("visibility rule failed, hiding",
			"template", templateID,
			"step", stepID,
			"rule", rule,
			"error", err,
		)
		return false
	}
	return ok
}

func cloneFields(fields []registry.FieldSchema) []registry.FieldSchema {
	out := make([]registry.FieldSchema, len(fields))
	for i, field := range fields {
		out[i] = field.Clone()
	}
	return out
}
