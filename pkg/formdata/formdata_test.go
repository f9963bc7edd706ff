package formdata

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanDropsIrrelevantAndEmptyValues(t *testing.T) {
	t.Parallel()

	valid := map[string]struct{}{
		"entreprise":   {},
		"objet":        {},
		"codeDocument": {},
	}
	data := FormData{
		"entreprise":       "  ACME  ",
		"objet":            "   ",
		"codeDocument":     "",
		"typeConvocation":  "CA Fédérale",
		"circulaireTexteA": "leftover from another template",
	}

	got := Clean(data, valid)
	want := FormData{"entreprise": "ACME"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("clean mismatch (-want +got):\n%s", diff)
	}
	if data["entreprise"] != "  ACME  " {
		t.Fatalf("Clean mutated its input")
	}
}

func TestHashIgnoresInsertionOrder(t *testing.T) {
	t.Parallel()

	first := FormData{}
	first["a"] = "1"
	first["b"] = "2"
	first["c"] = "3"

	second := FormData{}
	second["c"] = "3"
	second["a"] = "1"
	second["b"] = "2"

	if Hash(first) != Hash(second) {
		t.Fatalf("hash depends on insertion order")
	}
	if !strings.HasPrefix(Hash(first), HashPrefix) {
		t.Fatalf("hash missing prefix: %s", Hash(first))
	}
}

func TestHashChangesWithSingleValue(t *testing.T) {
	t.Parallel()

	base := FormData{"a": "1", "b": "2"}
	changed := base.Clone()
	changed["b"] = "3"

	if Hash(base) == Hash(changed) {
		t.Fatalf("expected different hashes")
	}
}

func TestCanonicalEncoding(t *testing.T) {
	t.Parallel()

	got := string(Canonical(FormData{"z": `say "hi"`, "a": "é"}))
	want := `{"a":"é","z":"say \"hi\""}`
	if got != want {
		t.Fatalf("canonical = %s, want %s", got, want)
	}
	if got := string(Canonical(nil)); got != "{}" {
		t.Fatalf("canonical(nil) = %s", got)
	}
}

func TestKeepAndEqual(t *testing.T) {
	t.Parallel()

	data := FormData{"signatureExp": "Eric KELLER", "codeDocument": "EK-2026-123", "dateDebut": "2026-01-01"}
	kept := data.Keep("signatureExp", "codeDocument", "missing")
	want := FormData{"signatureExp": "Eric KELLER", "codeDocument": "EK-2026-123"}
	if !kept.Equal(want) {
		t.Fatalf("Keep = %v, want %v", kept, want)
	}
	if kept.Equal(data) {
		t.Fatalf("expected maps to differ")
	}
}
