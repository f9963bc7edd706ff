// Package validation decides whether resolved fields, steps and whole forms
// hold acceptable values. Checks never fail; they report booleans and the
// ids of offending fields.
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/goliatone/go-docwizard/pkg/registry"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Issue describes why a single field is invalid.
type Issue struct {
	Field   string `json:"field"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
}

// Step pairs a resolved step id with its resolved fields.
type Step struct {
	ID     string
	Fields []registry.FieldSchema
}

// Error blocks a generation attempt. It never reaches the network layer.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "validation: form is invalid"
	}
	return fmt.Sprintf("validation: %d invalid field(s): %s", len(e.Issues), strings.Join(e.Fields(), ", "))
}

// Fields lists the invalid field ids in a stable order.
func (e *Error) Fields() []string {
	if e == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(e.Issues))
	out := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if _, ok := seen[issue.Field]; ok {
			continue
		}
		seen[issue.Field] = struct{}{}
		out = append(out, issue.Field)
	}
	sort.Strings(out)
	return out
}

// IsEmail reports whether value is a single well-formed address.
func IsEmail(value string) bool {
	return emailPattern.MatchString(value)
}

// SplitEmails splits a comma-separated list, trimming segments and dropping
// empty ones.
func SplitEmails(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// FieldValid reports whether value satisfies field.
func FieldValid(field registry.FieldSchema, value string) bool {
	_, ok := check(field, value)
	return ok
}

// FieldIssue returns the reason value does not satisfy field.
func FieldIssue(field registry.FieldSchema, value string) (Issue, bool) {
	msg, ok := check(field, value)
	if ok {
		return Issue{}, false
	}
	return Issue{Field: field.ID, Message: msg}, true
}

func check(field registry.FieldSchema, value string) (string, bool) {
	if !field.Required {
		return "", true
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "required", false
	}

	if field.MaxLength > 0 && utf8.RuneCountInString(trimmed) > field.MaxLength {
		return fmt.Sprintf("exceeds %d characters", field.MaxLength), false
	}

	if !field.IsEmail() {
		return "", true
	}
	if !field.MultiEmail {
		if !IsEmail(trimmed) {
			return "invalid email address", false
		}
		return "", true
	}

	emails := SplitEmails(trimmed)
	if len(emails) == 0 {
		return "at least one email address is required", false
	}
	for _, email := range emails {
		if !IsEmail(email) {
			return fmt.Sprintf("invalid email address %q", email), false
		}
	}
	return "", true
}

// StepValid reports whether every field of a step is valid.
func StepValid(fields []registry.FieldSchema, data map[string]string) bool {
	for _, field := range fields {
		if !FieldValid(field, data[field.ID]) {
			return false
		}
	}
	return true
}

// FormValid reports whether a template is selected and every resolved step
// is valid.
func FormValid(templateID string, steps []Step, data map[string]string) bool {
	if strings.TrimSpace(templateID) == "" {
		return false
	}
	for _, step := range steps {
		if !StepValid(step.Fields, data) {
			return false
		}
	}
	return true
}

// Issues lists every invalid field across steps, in step then field order.
func Issues(steps []Step, data map[string]string) []Issue {
	var out []Issue
	for _, step := range steps {
		for _, field := range step.Fields {
			if issue, bad := FieldIssue(field, data[field.ID]); bad {
				issue.Step = step.ID
				out = append(out, issue)
			}
		}
	}
	return out
}

// InvalidFields is the set of invalid field ids across steps.
func InvalidFields(steps []Step, data map[string]string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, issue := range Issues(steps, data) {
		out[issue.Field] = struct{}{}
	}
	return out
}

// Check returns a *Error when the form is not valid, nil otherwise.
func Check(templateID string, steps []Step, data map[string]string) error {
	if strings.TrimSpace(templateID) == "" {
		return &Error{Issues: []Issue{{Message: "no template selected"}}}
	}
	issues := Issues(steps, data)
	if len(issues) == 0 {
		return nil
	}
	return &Error{Issues: issues}
}
