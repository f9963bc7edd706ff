package wizard

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/goliatone/go-docwizard/pkg/orchestrator"
	"github.com/goliatone/go-docwizard/pkg/registry"
	"github.com/goliatone/go-docwizard/pkg/testsupport"
)

type stubDriver struct {
	inputs    []string
	selectIdx []int
	textAreas []string
	confirm   []bool
	infos     []string

	inputPos   int
	selectPos  int
	textPos    int
	confirmPos int
	prompts    []string
}

func (s *stubDriver) Input(_ context.Context, cfg InputConfig) (string, error) {
	s.prompts = append(s.prompts, cfg.Message)
	if s.inputPos >= len(s.inputs) {
		return "", errors.New("no input scripted")
	}
	val := s.inputs[s.inputPos]
	s.inputPos++
	return val, nil
}

func (s *stubDriver) Select(_ context.Context, cfg SelectConfig) (int, error) {
	s.prompts = append(s.prompts, cfg.Message)
	if s.selectPos >= len(s.selectIdx) {
		return -1, errors.New("no select scripted")
	}
	val := s.selectIdx[s.selectPos]
	s.selectPos++
	return val, nil
}

func (s *stubDriver) TextArea(_ context.Context, cfg TextAreaConfig) (string, error) {
	s.prompts = append(s.prompts, cfg.Message)
	if s.textPos >= len(s.textAreas) {
		return "", errors.New("no textarea scripted")
	}
	val := s.textAreas[s.textPos]
	s.textPos++
	return val, nil
}

func (s *stubDriver) Confirm(_ context.Context, _ ConfirmConfig) (bool, error) {
	if s.confirmPos >= len(s.confirm) {
		return false, errors.New("no confirm scripted")
	}
	val := s.confirm[s.confirmPos]
	s.confirmPos++
	return val, nil
}

func (s *stubDriver) Info(_ context.Context, msg string) error {
	s.infos = append(s.infos, msg)
	return nil
}

type env struct {
	orch        *orchestrator.Orchestrator
	distributor *testsupport.Distributor
}

func newEnv(t *testing.T) env {
	t.Helper()
	e := env{distributor: &testsupport.Distributor{}}
	orch, err := orchestrator.New(
		orchestrator.WithGenerator(&testsupport.Generator{}),
		orchestrator.WithConverter(&testsupport.Converter{}),
		orchestrator.WithDistributor(e.distributor),
		orchestrator.WithLogger(testsupport.DiscardLogger()),
		orchestrator.WithClock(func() time.Time { return time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC) }),
	)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	e.orch = orch
	return e
}

func TestRunCirculaire(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	session := e.orch.NewSession()
	driver := &stubDriver{
		selectIdx: []int{4, actionPDF, actionSend, actionQuit},
		inputs:    []string{"2025-001", "Information", "", "a@example.com, b@example.com"},
		textAreas: []string{"Texte A", "Texte B", "Bonjour"},
		confirm:   []bool{true},
	}
	runner := New(session, WithDriver(driver), WithOutputDir("/out"))
	written := map[string][]byte{}
	runner.write = func(path string, data []byte) error {
		written[path] = data
		return nil
	}

	if err := runner.Run(context.Background(), registry.MustDefault()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if session.Template() != "circulaire" {
		t.Fatalf("expected circulaire, got %q", session.Template())
	}
	data, ok := written["/out/Circulaire_2025-001.pdf"]
	if !ok || !strings.HasPrefix(string(data), "pdf:") {
		t.Fatalf("expected the pdf to be written, got %v", keys(written))
	}

	reqs := e.distributor.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one send, got %d", len(reqs))
	}
	if diff := cmp.Diff([]string{"a@example.com", "b@example.com"}, reqs[0].Recipients); diff != "" {
		t.Fatalf("recipients mismatch (-want +got):\n%s", diff)
	}
	if reqs[0].Message != "Bonjour" {
		t.Fatalf("unexpected message %q", reqs[0].Message)
	}
}

func TestRunRepromptsInvalidStep(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	session := e.orch.NewSession()
	driver := &stubDriver{
		selectIdx: []int{actionQuit},
		inputs:    []string{"2025-001", "", "2025-001", "Objet", ""},
		textAreas: []string{"A", "B", "A", "B"},
	}
	runner := New(session, WithDriver(driver), WithTemplate("circulaire"))

	if err := runner.Run(context.Background(), registry.MustDefault()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if session.Field("objet") != "Objet" {
		t.Fatalf("expected objet after the second pass, got %q", session.Field("objet"))
	}
	found := false
	for _, msg := range driver.infos {
		if strings.Contains(msg, "manquants") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an invalid step notice, got %v", driver.infos)
	}
}

func TestRunUppercasesFields(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	session := e.orch.NewSession()
	if err := session.SelectTemplate("custom"); err != nil {
		t.Fatalf("select: %v", err)
	}
	field, _ := registry.MustDefault().Field("codeDocument")
	runner := New(session, WithDriver(&stubDriver{inputs: []string{"vr-2025-001"}}))
	if err := runner.prompt(context.Background(), field); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if got := session.Field("codeDocument"); got != "VR-2025-001" {
		t.Fatalf("expected uppercase code, got %q", got)
	}
}

func TestRunPropagatesAbort(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	runner := New(e.orch.NewSession(), WithDriver(&abortDriver{}))
	if err := runner.Run(context.Background(), registry.MustDefault()); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

type abortDriver struct{ stubDriver }

func (abortDriver) Select(context.Context, SelectConfig) (int, error) { return 0, ErrAborted }

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
