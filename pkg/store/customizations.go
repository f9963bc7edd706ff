package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/goliatone/go-docwizard/pkg/registry"
)

// ErrUnknownField is returned when an operation names a field that is not
// part of the layout it targets.
var ErrUnknownField = errors.New("store: unknown field")

// ErrInvalidOrder is returned when a reorder does not name every field of
// the layout exactly once.
var ErrInvalidOrder = errors.New("store: order must name every field once")

// RemovedField remembers where a field sat before the user removed it.
type RemovedField struct {
	Field         registry.FieldSchema `json:"field"`
	OriginalIndex int                  `json:"originalIndex"`
}

// CustomizationEntry is a user-defined layout for one (template, step) pair.
type CustomizationEntry struct {
	Fields  []registry.FieldSchema `json:"fields"`
	Removed []RemovedField         `json:"removed,omitempty"`
}

func (e CustomizationEntry) clone() CustomizationEntry {
	out := CustomizationEntry{
		Fields: make([]registry.FieldSchema, len(e.Fields)),
	}
	for i, field := range e.Fields {
		out.Fields[i] = field.Clone()
	}
	if len(e.Removed) > 0 {
		out.Removed = make([]RemovedField, len(e.Removed))
		for i, removed := range e.Removed {
			removed.Field = removed.Field.Clone()
			out.Removed[i] = removed
		}
	}
	return out
}

// LayoutKey identifies the layout of one step within one template.
type LayoutKey struct {
	Template string
	Step     string
}

func (k LayoutKey) String() string {
	return k.Template + "/" + k.Step
}

// CustomizationStore keeps user-reordered and user-removed field layouts.
// Operations take the layout currently shown (the resolver output) so the
// first customization of a step starts from the default order.
type CustomizationStore struct {
	mu      sync.RWMutex
	entries map[LayoutKey]CustomizationEntry
}

// NewCustomizationStore returns an empty store.
func NewCustomizationStore() *CustomizationStore {
	return &CustomizationStore{entries: make(map[LayoutKey]CustomizationEntry)}
}

// Lookup returns the customized field list for the pair, if any.
func (s *CustomizationStore) Lookup(templateID, stepID string) ([]registry.FieldSchema, bool) {
	entry, ok := s.Entry(templateID, stepID)
	if !ok {
		return nil, false
	}
	return entry.Fields, true
}

// Entry returns a copy of the full customization for the pair.
func (s *CustomizationStore) Entry(templateID, stepID string) (CustomizationEntry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[LayoutKey{Template: templateID, Step: stepID}]
	s.mu.RUnlock()
	if !ok {
		return CustomizationEntry{}, false
	}
	return entry.clone(), true
}

// Removed lists the fields removed from the pair's layout.
func (s *CustomizationStore) Removed(templateID, stepID string) []RemovedField {
	entry, ok := s.Entry(templateID, stepID)
	if !ok {
		return nil
	}
	return entry.Removed
}

// Reorder stores a new order for current. order must name every field of
// current exactly once.
func (s *CustomizationStore) Reorder(templateID, stepID string, current []registry.FieldSchema, order []string) error {
	if len(order) != len(current) {
		return fmt.Errorf("store: reorder %s: %w: expected %d field ids, got %d", LayoutKey{Template: templateID, Step: stepID}, ErrInvalidOrder, len(current), len(order))
	}
	byID := make(map[string]registry.FieldSchema, len(current))
	for _, field := range current {
		byID[field.ID] = field
	}

	fields := make([]registry.FieldSchema, 0, len(order))
	for _, id := range order {
		field, ok := byID[id]
		if !ok {
			return fmt.Errorf("store: reorder %s: %w %q", LayoutKey{Template: templateID, Step: stepID}, ErrUnknownField, id)
		}
		delete(byID, id)
		fields = append(fields, field.Clone())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := LayoutKey{Template: templateID, Step: stepID}
	entry := s.entries[key]
	entry.Fields = fields
	s.entries[key] = entry
	return nil
}

// Remove drops fieldID from current and remembers its index so it can be
// restored in place.
func (s *CustomizationStore) Remove(templateID, stepID string, current []registry.FieldSchema, fieldID string) error {
	index := -1
	for i, field := range current {
		if field.ID == fieldID {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("store: remove from %s: %w %q", LayoutKey{Template: templateID, Step: stepID}, ErrUnknownField, fieldID)
	}

	fields := make([]registry.FieldSchema, 0, len(current)-1)
	for i, field := range current {
		if i == index {
			continue
		}
		fields = append(fields, field.Clone())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := LayoutKey{Template: templateID, Step: stepID}
	entry := s.entries[key]
	entry.Fields = fields
	entry.Removed = append(entry.Removed, RemovedField{Field: current[index].Clone(), OriginalIndex: index})
	s.entries[key] = entry
	return nil
}

// Restore re-inserts a removed field at its original index, clamped to the
// current length.
func (s *CustomizationStore) Restore(templateID, stepID, fieldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := LayoutKey{Template: templateID, Step: stepID}
	entry, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("store: restore in %s: %w %q", key, ErrUnknownField, fieldID)
	}

	pos := -1
	for i, removed := range entry.Removed {
		if removed.Field.ID == fieldID {
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("store: restore in %s: %w %q", key, ErrUnknownField, fieldID)
	}
	removed := entry.Removed[pos]

	insert := removed.OriginalIndex
	if insert > len(entry.Fields) {
		insert = len(entry.Fields)
	}
	if insert < 0 {
		insert = 0
	}

	fields := make([]registry.FieldSchema, 0, len(entry.Fields)+1)
	fields = append(fields, entry.Fields[:insert]...)
	fields = append(fields, removed.Field)
	fields = append(fields, entry.Fields[insert:]...)

	rest := make([]RemovedField, 0, len(entry.Removed)-1)
	rest = append(rest, entry.Removed[:pos]...)
	rest = append(rest, entry.Removed[pos+1:]...)

	entry.Fields = fields
	entry.Removed = rest
	s.entries[key] = entry
	return nil
}

// Reset discards the customization for the pair.
func (s *CustomizationStore) Reset(templateID, stepID string) {
	s.mu.Lock()
	delete(s.entries, LayoutKey{Template: templateID, Step: stepID})
	s.mu.Unlock()
}
