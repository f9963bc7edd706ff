package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/goliatone/go-docwizard/pkg/cache"
	"github.com/goliatone/go-docwizard/pkg/registry"
	"github.com/goliatone/go-docwizard/pkg/services"
	"github.com/goliatone/go-docwizard/pkg/validation"
)

type edit struct{ field, value string }

func apply(t *testing.T, s *Session, edits ...edit) {
	t.Helper()
	for _, e := range edits {
		if err := s.SetField(e.field, e.value); err != nil {
			t.Fatalf("set %s: %v", e.field, err)
		}
	}
}

func designationEdits() []edit {
	return []edit{
		{"entreprise", "ACME"},
		{"nomDestinataire", "Élodie Dupont"},
		{"signatureExp", "Valentin RODRIGUEZ"},
		{"numeroCourrier", "RAR-42"},
		{"civiliteDelegue", "Monsieur"},
		{"nomDelegue", "Martin Durand"},
		{"emailDelegue", "martin@example.com"},
		{"civiliteRemplace", "Madame"},
		{"nomRemplace", "Sophie Bernard"},
		{"emailDestinataire", "rh@acme.example"},
	}
}

func newDesignationSession(t *testing.T, f fixture) *Session {
	t.Helper()
	s := f.orch.NewSession()
	if err := s.SelectTemplate("designation"); err != nil {
		t.Fatalf("select: %v", err)
	}
	apply(t, s, designationEdits()...)
	return s
}

func TestSessionGenerateCachesUntilEdit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := newDesignationSession(t, f)
	ctx := context.Background()

	if !s.IsFormValid() {
		t.Fatalf("expected valid form, invalid: %v", s.InvalidFields())
	}
	if _, err := s.Generate(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	res, err := s.Generate(ctx)
	if err != nil {
		t.Fatalf("generate again: %v", err)
	}
	if !res.FromCache || f.generator.Calls() != 1 {
		t.Fatalf("identical data should reuse the cache, calls=%d", f.generator.Calls())
	}
	if s.CacheState() != cache.StateFresh {
		t.Fatalf("expected fresh cache state")
	}
	if s.Displayed().Empty() {
		t.Fatalf("expected a displayed artifact")
	}

	apply(t, s, edit{"entreprise", "ACME SA"})
	if !s.Displayed().Empty() {
		t.Fatalf("edit must clear the displayed artifact")
	}
	if s.CacheState() != cache.StateEmpty {
		t.Fatalf("edit must invalidate the template's cache entry")
	}
	if _, err := s.Generate(ctx); err != nil {
		t.Fatalf("generate after edit: %v", err)
	}
	if f.generator.Calls() != 2 {
		t.Fatalf("expected a second remote generation, got %d", f.generator.Calls())
	}
}

func TestSessionGenerateBlocksInvalidForm(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.orch.NewSession()
	if _, err := s.Generate(context.Background()); !errors.Is(err, ErrNoTemplate) {
		t.Fatalf("expected ErrNoTemplate, got %v", err)
	}

	if err := s.SelectTemplate("designation"); err != nil {
		t.Fatalf("select: %v", err)
	}
	apply(t, s, edit{"emailDelegue", "not-an-email"})

	_, err := s.Generate(context.Background())
	var verr *validation.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.generator.Calls() != 0 {
		t.Fatalf("invalid form must not reach the generator")
	}

	invalid := s.InvalidFields()
	for _, id := range []string{"entreprise", "emailDelegue", "emailDestinataire"} {
		if !containsString(invalid, id) {
			t.Fatalf("expected %s to be marked invalid, got %v", id, invalid)
		}
	}

	apply(t, s, edit{"entreprise", "ACME"})
	if containsString(s.InvalidFields(), "entreprise") {
		t.Fatalf("editing with a value should clear the invalid mark")
	}
}

func TestSessionOptionalEmailDoesNotBlockGeneration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.orch.NewSession()
	if err := s.SelectTemplate("circulaire"); err != nil {
		t.Fatalf("select: %v", err)
	}
	apply(t, s,
		edit{"numeroCourrier", "2025-001"},
		edit{"objet", "Information"},
		edit{"circulaireTexteA", "Texte A"},
		edit{"circulaireTexteB", "Texte B"},
		edit{"emailDestinataire", "a@b.com, not-an-email"},
	)

	if !s.IsFormValid() {
		t.Fatalf("expected form valid, invalid fields %v", s.InvalidFields())
	}
	if _, err := s.Generate(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if f.generator.Calls() != 1 {
		t.Fatalf("expected one generation call, got %d", f.generator.Calls())
	}
}

func TestSessionCleaningDropsIrrelevantKeys(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := newDesignationSession(t, f)
	apply(t, s, edit{"texteIa", "stray"}, edit{"typeConvocation", "CA Fédérale"})

	if _, err := s.Generate(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	req, _ := f.generator.Last()
	if _, ok := req.Values["texteIa"]; ok {
		t.Fatalf("texteIa does not belong to designation: %v", req.Values)
	}
	if _, ok := req.Values["typeConvocation"]; ok {
		t.Fatalf("typeConvocation does not belong to designation")
	}
	if req.Values["entreprise"] != "ACME" {
		t.Fatalf("expected entreprise to survive cleaning")
	}
	if s.Field("texteIa") != "stray" {
		t.Fatalf("cleaning must not mutate the draft")
	}
}

func TestSessionTemplateSwitchRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.orch.NewSession()
	if err := s.SelectTemplate("custom"); err != nil {
		t.Fatalf("select custom: %v", err)
	}
	apply(t, s, edit{"objet", "foo"})
	if err := s.GoToStep(1); err != nil {
		t.Fatalf("go to step: %v", err)
	}

	if err := s.SelectTemplate("circulaire"); err != nil {
		t.Fatalf("select circulaire: %v", err)
	}
	if s.Field("objet") != "" {
		t.Fatalf("circulaire must start from its own draft")
	}
	if idx, _, _ := s.CurrentStep(); idx != 0 {
		t.Fatalf("switching templates resets the step, got %d", idx)
	}
	apply(t, s, edit{"objet", "bar"})

	if err := s.SelectTemplate("custom"); err != nil {
		t.Fatalf("reselect custom: %v", err)
	}
	if got := s.Field("objet"); got != "foo" {
		t.Fatalf("custom draft not restored, got %q", got)
	}
	if err := s.SelectTemplate("circulaire"); err != nil {
		t.Fatalf("reselect circulaire: %v", err)
	}
	if got := s.Field("objet"); got != "bar" {
		t.Fatalf("circulaire draft not restored, got %q", got)
	}

	if err := s.SelectTemplate("missing"); !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}
}

func TestSessionTemplateSwitchKeepsOtherCacheEntries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := newDesignationSession(t, f)
	if _, err := s.Generate(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := s.SelectTemplate("custom"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if !s.Displayed().Empty() {
		t.Fatalf("switching must clear the displayed artifact")
	}
	if err := s.SelectTemplate("designation"); err != nil {
		t.Fatalf("reselect: %v", err)
	}
	res, err := s.Generate(context.Background())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !res.FromCache || f.generator.Calls() != 1 {
		t.Fatalf("returning to an unchanged draft should hit the cache")
	}
}

func TestSessionConvocationsSeedingAndDiscriminant(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.orch.NewSession()
	if err := s.SelectTemplate("convocations"); err != nil {
		t.Fatalf("select: %v", err)
	}

	if got := s.Field("signatureExp"); got != "Valentin RODRIGUEZ" {
		t.Fatalf("expected default signer, got %q", got)
	}
	want := NewCodeGenerator(rand.NewSource(7), clock).Generate("Valentin RODRIGUEZ")
	if got := s.Field("codeDocument"); got != want {
		t.Fatalf("seeded code = %q, want %q", got, want)
	}

	steps := s.Steps()
	if len(steps) != 2 || steps[0].Label != "Type de convocation" {
		t.Fatalf("unexpected steps before selection: %+v", steps)
	}
	if err := s.GoToStep(1); !errors.Is(err, ErrStepGated) {
		t.Fatalf("expected gated step, got %v", err)
	}

	apply(t, s,
		edit{"typeConvocation", "CA Fédérale"},
		edit{"dateDebut", "2025-04-01"},
		edit{"ordreDuJour1", "Budget"},
	)
	if got := len(s.Steps()); got != 4 {
		t.Fatalf("CA steps = %d, want 4", got)
	}
	if err := s.GoToStep(3); err != nil {
		t.Fatalf("expediteur should open once the type is set: %v", err)
	}

	apply(t, s, edit{"typeConvocation", "Bureau Fédéral"})
	if s.Field("dateDebut") != "" || s.Field("ordreDuJour1") != "" {
		t.Fatalf("switching type must drop variant values: %v", s.Data())
	}
	if s.Field("codeDocument") != want || s.Field("signatureExp") != "Valentin RODRIGUEZ" {
		t.Fatalf("carried fields lost: %v", s.Data())
	}
	if idx, step, _ := s.CurrentStep(); idx != 0 || step.ID != "contenu" {
		t.Fatalf("out of range step should clamp to the first, got %d %s", idx, step.ID)
	}

	apply(t, s, edit{"typeConvocation", "CA Fédérale"})
	if s.Field("dateDebut") != "2025-04-01" || s.Field("ordreDuJour1") != "Budget" {
		t.Fatalf("returning to a type should restore its values: %v", s.Data())
	}
}

func TestSessionSignerRegeneratesCode(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.orch.NewSession(WithSessionCodes(NewCodeGenerator(rand.NewSource(3), clock)))
	if err := s.SelectTemplate("negociation"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if s.Field("codeDocument") != "" {
		t.Fatalf("negociation has no default signer, code should be empty")
	}

	apply(t, s, edit{"signatureExp", "Jean-Yves SABOT"})
	code := s.Field("codeDocument")
	if !regexp.MustCompile(`^JYS-2025-\d{3}$`).MatchString(code) {
		t.Fatalf("unexpected code %q", code)
	}

	apply(t, s, edit{"codeDocument", "MANUEL-1"})
	apply(t, s, edit{"objet", "Temps de travail"})
	if s.Field("codeDocument") != "MANUEL-1" {
		t.Fatalf("unrelated edits must keep a manual code")
	}
}

func TestSessionCustomizationPersistence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.orch.NewSession()
	if err := s.SelectTemplate("custom"); err != nil {
		t.Fatalf("select: %v", err)
	}

	order := []string{"signatureExp", "texteIa", "objet", "codeDocument"}
	if err := s.ReorderFields("contenu", order); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if err := s.RemoveField("contenu", "texteIa"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if diff := cmp.Diff([]string{"signatureExp", "objet", "codeDocument"}, fieldIDs(s.Fields("contenu"))); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}

	if err := s.SelectTemplate("designation"); err != nil {
		t.Fatalf("select designation: %v", err)
	}
	if err := s.SelectTemplate("custom"); err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if got := fieldIDs(s.Fields("contenu")); len(got) != 3 {
		t.Fatalf("customization should survive a template switch, got %v", got)
	}

	if err := s.RemoveField("contenu", "signatureExp"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveField("contenu", "objet"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RestoreField("contenu", "texteIa"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if diff := cmp.Diff([]string{"codeDocument", "texteIa"}, fieldIDs(s.Fields("contenu"))); diff != "" {
		t.Fatalf("restore should clamp to the current length (-want +got):\n%s", diff)
	}
	if len(s.RemovedFields("contenu")) != 2 {
		t.Fatalf("expected two removed fields, got %+v", s.RemovedFields("contenu"))
	}

	s.ResetLayout("contenu")
	if got := fieldIDs(s.Fields("contenu")); len(got) != 4 {
		t.Fatalf("reset should restore the default layout, got %v", got)
	}
}

func TestSessionRemovedRequiredFieldIsNotValidated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := newDesignationSession(t, f)
	apply(t, s, edit{"entreprise", ""})
	if s.IsFormValid() {
		t.Fatalf("empty required field should invalidate the form")
	}
	if err := s.RemoveField("coordonnees", "entreprise"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !s.IsFormValid() {
		t.Fatalf("removed field should no longer be validated: %v", s.InvalidFields())
	}
	if _, ok := s.Cleaned()["entreprise"]; ok {
		t.Fatalf("removed field should be cleaned away")
	}
}

func TestSessionLateResultIsNotDisplayed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gate := make(chan struct{})
	f.generator.Gate = gate
	s := newDesignationSession(t, f)

	done := make(chan error, 1)
	go func() {
		_, err := s.Generate(context.Background())
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for f.generator.Calls() == 0 {
		select {
		case <-deadline:
			t.Fatalf("generation never started")
		case <-time.After(time.Millisecond):
		}
	}
	apply(t, s, edit{"entreprise", "Other Corp"})
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !s.Displayed().Empty() {
		t.Fatalf("a result for outdated values must not be displayed")
	}
	if s.CacheState() != cache.StateStale {
		t.Fatalf("late result is cached under its own hash, expected stale state")
	}
}

func TestSessionGenerationsOfOneTemplateRunOneAtATime(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gate := make(chan struct{})
	f.generator.Gate = gate
	s := newDesignationSession(t, f)

	first := make(chan error, 1)
	go func() {
		_, err := s.Generate(context.Background())
		first <- err
	}()
	deadline := time.After(2 * time.Second)
	for f.generator.Calls() == 0 {
		select {
		case <-deadline:
			t.Fatalf("generation never started")
		case <-time.After(time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Generate(ctx)
	var genErr *services.GenerationError
	if !errors.As(err, &genErr) || !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected a generation timeout while queued, got %v", err)
	}

	apply(t, s, edit{"entreprise", "Other Corp"})
	second := make(chan error, 1)
	go func() {
		_, err := s.Generate(context.Background())
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if got := f.generator.Calls(); got != 1 {
		t.Fatalf("second generation started while the first was running, calls=%d", got)
	}

	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("first generate: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if got := f.generator.Calls(); got != 2 {
		t.Fatalf("expected two generation calls, got %d", got)
	}
	if s.Displayed().Empty() || s.CacheState() != cache.StateFresh {
		t.Fatalf("expected the second result displayed and fresh")
	}
}

func TestSessionReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := newDesignationSession(t, f)
	if _, err := s.Generate(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(s.Data()) != 0 || !s.Displayed().Empty() || s.CacheState() != cache.StateEmpty {
		t.Fatalf("reset should clear data, display and cache")
	}
	if err := s.SelectTemplate("custom"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := s.SelectTemplate("designation"); err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if len(s.Data()) != 0 {
		t.Fatalf("reset draft should stay empty, got %v", s.Data())
	}
}

func TestSessionDownload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := newDesignationSession(t, f)

	pdf, err := s.Download(context.Background(), FormatPDF)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if pdf.Filename != "Designation_ElodieDupont.pdf" || pdf.ContentType != services.ContentTypePDF {
		t.Fatalf("unexpected pdf %q %q", pdf.Filename, pdf.ContentType)
	}
	docx, err := s.Download(context.Background(), FormatDOCX)
	if err != nil {
		t.Fatalf("download docx: %v", err)
	}
	if docx.Filename != "Designation_ElodieDupont.docx" || !strings.HasPrefix(string(docx.Data), "docx:") {
		t.Fatalf("unexpected docx %q", docx.Filename)
	}
	if f.generator.Calls() != 1 {
		t.Fatalf("downloads should share one generation, got %d", f.generator.Calls())
	}
	if _, err := s.Download(context.Background(), Format("odt")); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestSessionSend(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := newDesignationSession(t, f)

	err := s.Send(context.Background(), SendRequest{
		Recipients: []string{"a@example.com, b@example.com"},
		Message:    "Bonjour",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	reqs := f.distributor.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one distribution, got %d", len(reqs))
	}
	req := reqs[0]
	if diff := cmp.Diff([]string{"a@example.com", "b@example.com"}, req.Recipients); diff != "" {
		t.Fatalf("recipients mismatch (-want +got):\n%s", diff)
	}
	if req.Data["templateType"] != "designation" || req.Data["templateName"] != "Lettre de Désignation" {
		t.Fatalf("payload missing bookkeeping: %v", req.Data)
	}
	if req.Filename != "Designation_ElodieDupont.pdf" || req.Attachment.ContentType != services.ContentTypePDF {
		t.Fatalf("unexpected attachment %q", req.Filename)
	}

	deadline := time.After(2 * time.Second)
	for len(f.tracker.Events()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("tracking never happened")
		case <-time.After(time.Millisecond):
		}
	}
	event := f.tracker.Events()[0]
	if event.UserEmail != "martin@example.com" {
		t.Fatalf("user email should fall back to the delegate, got %q", event.UserEmail)
	}
	if event.Metadata["action"] != "email_sent" || event.Metadata["email_envoi"] != "a@example.com, b@example.com" {
		t.Fatalf("unexpected metadata %v", event.Metadata)
	}
}

func TestSessionSendTrackingFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tracker.Err = errors.New("tracking offline")
	s := newDesignationSession(t, f)
	if err := s.Send(context.Background(), SendRequest{Recipients: []string{"a@example.com"}}); err != nil {
		t.Fatalf("tracking failure must not fail the send: %v", err)
	}
}

func TestSessionSendValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := newDesignationSession(t, f)

	var verr *validation.Error
	if err := s.Send(context.Background(), SendRequest{}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error without recipients, got %v", err)
	}
	if err := s.Send(context.Background(), SendRequest{Recipients: []string{"nope"}}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for a bad address, got %v", err)
	}
	if len(f.distributor.Requests()) != 0 {
		t.Fatalf("invalid sends must not reach the distributor")
	}
}

func TestSessionSendIsExclusive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gate := make(chan struct{})
	f.distributor.Gate = gate
	s := newDesignationSession(t, f)

	done := make(chan error, 1)
	go func() {
		done <- s.Send(context.Background(), SendRequest{Recipients: []string{"a@example.com"}})
	}()

	deadline := time.After(2 * time.Second)
	for len(f.distributor.Requests()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("send never reached the distributor")
		case <-time.After(time.Millisecond):
		}
	}
	if err := s.Send(context.Background(), SendRequest{Recipients: []string{"a@example.com"}}); !errors.Is(err, services.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
}

func fieldIDs(fields []registry.FieldSchema) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.ID)
	}
	return out
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
