// Package wizard drives an orchestrator session from the terminal: pick a
// template, fill each visible step, then download or send the document.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goliatone/go-docwizard/pkg/orchestrator"
	"github.com/goliatone/go-docwizard/pkg/registry"
	"github.com/goliatone/go-docwizard/pkg/services"
	"github.com/goliatone/go-docwizard/pkg/validation"
)

const (
	actionDocx = iota
	actionPDF
	actionSend
	actionEdit
	actionQuit
)

var actionLabels = []string{
	actionDocx: "Télécharger le document Word",
	actionPDF:  "Télécharger le PDF",
	actionSend: "Envoyer par email",
	actionEdit: "Modifier le formulaire",
	actionQuit: "Quitter",
}

// Option customises the runner.
type Option func(*Runner)

// WithDriver replaces the terminal driver.
func WithDriver(d PromptDriver) Option {
	return func(r *Runner) {
		if d != nil {
			r.driver = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithOutputDir sets where downloads are written. Defaults to the working
// directory.
func WithOutputDir(dir string) Option {
	return func(r *Runner) {
		r.outDir = dir
	}
}

// WithTemplate preselects a template and skips the template prompt.
func WithTemplate(id string) Option {
	return func(r *Runner) {
		r.template = id
	}
}

// Runner walks a session through the wizard.
type Runner struct {
	session  *orchestrator.Session
	driver   PromptDriver
	logger   *slog.Logger
	outDir   string
	template string
	write    func(path string, data []byte) error
}

// New builds a runner for session.
func New(session *orchestrator.Session, options ...Option) *Runner {
	r := &Runner{
		session: session,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		outDir:  ".",
		write: func(path string, data []byte) error {
			return os.WriteFile(path, data, 0o644)
		},
	}
	for _, opt := range options {
		if opt != nil {
			opt(r)
		}
	}
	if r.driver == nil {
		r.driver = NewSurveyDriver(nil)
	}
	return r
}

// Run executes the wizard until the user quits.
func (r *Runner) Run(ctx context.Context, reg *registry.Registry) error {
	if err := r.chooseTemplate(ctx, reg); err != nil {
		return err
	}
	for {
		if err := r.fill(ctx); err != nil {
			return err
		}
		done, err := r.actions(ctx)
		if err != nil || done {
			return err
		}
	}
}

func (r *Runner) chooseTemplate(ctx context.Context, reg *registry.Registry) error {
	if r.template != "" {
		return r.session.SelectTemplate(r.template)
	}
	templates := reg.Templates()
	options := make([]string, 0, len(templates))
	for _, tpl := range templates {
		options = append(options, tpl.Title)
	}
	idx, err := r.driver.Select(ctx, SelectConfig{Message: "Type de document", Options: options})
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(templates) {
		return fmt.Errorf("wizard: invalid template choice %d", idx)
	}
	return r.session.SelectTemplate(templates[idx].ID)
}

// fill prompts every visible step in order. Steps are recomputed after
// each one since a discriminant may change the list.
func (r *Runner) fill(ctx context.Context) error {
	if err := r.session.GoToStep(0); err != nil {
		return err
	}
	for {
		idx, step, ok := r.session.CurrentStep()
		if !ok {
			return nil
		}
		steps := r.session.Steps()
		if err := r.driver.Info(ctx, fmt.Sprintf("\n[%d/%d] %s", idx+1, len(steps), step.Label)); err != nil {
			return err
		}
		for _, field := range r.session.Fields(step.ID) {
			if err := r.prompt(ctx, field); err != nil {
				return err
			}
		}
		if !r.session.IsStepValid(step.ID) {
			if err := r.driver.Info(ctx, "Certains champs obligatoires sont manquants ou invalides."); err != nil {
				return err
			}
			continue
		}

		steps = r.session.Steps()
		if idx+1 >= len(steps) {
			return nil
		}
		if err := r.session.GoToStep(idx + 1); err != nil {
			if errors.Is(err, orchestrator.ErrStepGated) {
				if err := r.driver.Info(ctx, "Veuillez d'abord choisir le type de document."); err != nil {
					return err
				}
				continue
			}
			return err
		}
	}
}

func (r *Runner) prompt(ctx context.Context, field registry.FieldSchema) error {
	current := r.session.Field(field.ID)
	label := field.Label
	if field.Required {
		label += " *"
	}
	validate := func(value string) error {
		if issue, bad := validation.FieldIssue(field, normalize(field, value)); bad {
			return errors.New(issue.Message)
		}
		return nil
	}

	var (
		value string
		err   error
	)
	switch field.Type {
	case registry.FieldTypeSelect:
		options := field.Options
		var idx int
		idx, err = r.driver.Select(ctx, SelectConfig{
			Message:      label,
			Options:      options,
			DefaultIndex: indexOf(options, current),
			Help:         field.Placeholder,
		})
		if err == nil && idx >= 0 && idx < len(options) {
			value = options[idx]
		}
	case registry.FieldTypeTextarea:
		value, err = r.driver.TextArea(ctx, TextAreaConfig{
			Message:   label,
			Default:   current,
			Help:      field.Placeholder,
			Validator: validate,
		})
	default:
		value, err = r.driver.Input(ctx, InputConfig{
			Message:   label,
			Default:   current,
			Help:      field.Placeholder,
			Validator: validate,
		})
	}
	if err != nil {
		return err
	}

	value = normalize(field, value)
	if value == current {
		return nil
	}
	return r.session.SetField(field.ID, value)
}

func normalize(field registry.FieldSchema, value string) string {
	if field.ForceUppercase {
		return strings.ToUpper(value)
	}
	return value
}

func (r *Runner) actions(ctx context.Context) (bool, error) {
	for {
		choice, err := r.driver.Select(ctx, SelectConfig{Message: "Que souhaitez-vous faire ?", Options: actionLabels})
		if err != nil {
			return false, err
		}

		switch choice {
		case actionDocx, actionPDF:
			format := orchestrator.FormatDOCX
			if choice == actionPDF {
				format = orchestrator.FormatPDF
			}
			err = r.download(ctx, format)
		case actionSend:
			err = r.send(ctx)
		case actionEdit:
			return false, nil
		case actionQuit:
			return true, nil
		default:
			continue
		}

		if err != nil {
			if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
				return false, err
			}
			r.logger.Warn("wizard action failed", "error", err)
			if infoErr := r.driver.Info(ctx, services.UserMessage(err)); infoErr != nil {
				return false, infoErr
			}
		}
	}
}

func (r *Runner) download(ctx context.Context, format orchestrator.Format) error {
	artifact, err := r.session.Download(ctx, format)
	if err != nil {
		return err
	}
	path := filepath.Join(r.outDir, artifact.Filename)
	if err := r.write(path, artifact.Data); err != nil {
		return fmt.Errorf("wizard: write %s: %w", path, err)
	}
	return r.driver.Info(ctx, "Document enregistré : "+path)
}

func (r *Runner) send(ctx context.Context) error {
	recipients, err := r.driver.Input(ctx, InputConfig{
		Message: "Destinataires (séparés par des virgules)",
		Validator: func(value string) error {
			emails := validation.SplitEmails(value)
			if len(emails) == 0 {
				return errors.New("at least one email address is required")
			}
			for _, email := range emails {
				if !validation.IsEmail(email) {
					return fmt.Errorf("invalid email address %q", email)
				}
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	message, err := r.driver.TextArea(ctx, TextAreaConfig{Message: "Message personnalisé (optionnel)"})
	if err != nil {
		return err
	}
	ok, err := r.driver.Confirm(ctx, ConfirmConfig{Message: "Confirmer l'envoi ?", Default: true})
	if err != nil || !ok {
		return err
	}
	if err := r.session.Send(ctx, orchestrator.SendRequest{
		Recipients: validation.SplitEmails(recipients),
		Message:    message,
	}); err != nil {
		return err
	}
	return r.driver.Info(ctx, "Email envoyé avec succès.")
}
