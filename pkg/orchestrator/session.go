package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/goliatone/go-docwizard/pkg/cache"
	"github.com/goliatone/go-docwizard/pkg/formdata"
	"github.com/goliatone/go-docwizard/pkg/registry"
	"github.com/goliatone/go-docwizard/pkg/resolver"
	"github.com/goliatone/go-docwizard/pkg/services"
	"github.com/goliatone/go-docwizard/pkg/store"
	"github.com/goliatone/go-docwizard/pkg/validation"
)

var (
	ErrNoTemplate        = errors.New("orchestrator: no template selected")
	ErrUnknownTemplate   = errors.New("orchestrator: unknown template")
	ErrUnknownStep       = errors.New("orchestrator: unknown step")
	ErrStepGated         = errors.New("orchestrator: step requires a selection first")
	ErrUnsupportedFormat = errors.New("orchestrator: unsupported format")
)

// Format selects which artifact of the pair a download returns.
type Format string

const (
	FormatDOCX Format = "docx"
	FormatPDF  Format = "pdf"
)

// Displayed is the artifact pair currently shown to the user.
type Displayed struct {
	Template  string
	Hash      string
	Primary   services.Artifact
	Secondary services.Artifact
}

// Empty reports whether nothing is displayed.
func (d Displayed) Empty() bool {
	return d.Template == "" && d.Primary.Empty() && d.Secondary.Empty()
}

// SendRequest describes a distribution of the current document.
type SendRequest struct {
	Recipients []string
	Message    string
}

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithSessionID fixes the session identifier. Defaults to a random UUID.
func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithSessionCodes injects the document code generator for this session.
func WithSessionCodes(g *CodeGenerator) SessionOption {
	return func(s *Session) {
		if g != nil {
			s.codes = g
		}
	}
}

// WithUser identifies who drives the session, for usage tracking.
func WithUser(email, name string) SessionOption {
	return func(s *Session) {
		s.userEmail = strings.TrimSpace(email)
		s.userName = strings.TrimSpace(name)
	}
}

// Session is the state machine of one interactive user. It owns the draft
// store, the customization store and the generation cache; all of them die
// with the session.
type Session struct {
	mu sync.Mutex

	id        string
	orch      *Orchestrator
	res       *resolver.Resolver
	reg       *registry.Registry
	codes     *CodeGenerator
	logger    *slog.Logger
	userEmail string
	userName  string

	templateID string
	data       formdata.FormData
	step       int
	invalid    map[string]struct{}
	displayed  Displayed
	epoch      uint64
	sending    bool
	generating map[string]chan struct{}

	drafts   *store.TemplateDataStore
	variants *store.TemplateDataStore
	custom   *store.CustomizationStore
	cache    *cache.GenerationCache
}

// NewSession opens an empty session.
func (o *Orchestrator) NewSession(options ...SessionOption) *Session {
	s := &Session{
		id:         uuid.NewString(),
		orch:       o,
		res:        o.resolver,
		reg:        o.registry,
		logger:     o.logger,
		data:       formdata.FormData{},
		invalid:    map[string]struct{}{},
		generating: map[string]chan struct{}{},
		drafts:     store.NewTemplateDataStore(),
		variants:   store.NewTemplateDataStore(),
		custom:     store.NewCustomizationStore(),
		cache:      cache.New(cache.WithClock(o.now)),
	}
	for _, opt := range options {
		if opt != nil {
			opt(s)
		}
	}
	if s.codes == nil {
		s.codes = o.codes()
	}
	s.logger = s.logger.With("session", s.id)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Template returns the selected template id, or "".
func (s *Session) Template() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.templateID
}

// SelectTemplate switches to templateID. The current values are saved,
// the displayed artifact and invalid marks are cleared, and the new
// template's saved values are restored or seeded from its defaults. The
// cache entry of the template left behind is kept.
func (s *Session) SelectTemplate(templateID string) error {
	tpl, ok := s.reg.Template(templateID)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownTemplate, templateID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.templateID == tpl.ID {
		return nil
	}
	if s.templateID != "" && len(s.data) > 0 {
		s.drafts.Save(s.templateID, s.data)
	}

	s.epoch++
	s.displayed = Displayed{}
	s.invalid = map[string]struct{}{}
	s.templateID = tpl.ID
	s.step = 0

	if saved, ok := s.drafts.Load(tpl.ID); ok && len(saved) > 0 {
		s.data = saved
		return nil
	}
	s.data = s.seed(tpl)
	return nil
}

func (s *Session) seed(tpl registry.Template) formdata.FormData {
	data := make(formdata.FormData, len(tpl.Defaults)+1)
	for key, value := range tpl.Defaults {
		data[key] = value
	}
	if tpl.SignerField != "" && tpl.CodeField != "" {
		if signer := data[tpl.SignerField]; signer != "" {
			if code := s.codes.Generate(signer); code != "" {
				data[tpl.CodeField] = code
			}
		}
	}
	return data
}

// SetField records one edit. Every edit saves the draft, clears the
// displayed artifact and invalidates the template's cache entry. Editing
// the signer regenerates the document code; editing a discriminant swaps
// the variant's values.
func (s *Session) SetField(fieldID, value string) error {
	fieldID = strings.TrimSpace(fieldID)
	if fieldID == "" {
		return errors.New("orchestrator: field id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.currentTemplate()
	if !ok {
		return ErrNoTemplate
	}

	switch {
	case tpl.HasDiscriminant(fieldID):
		if s.data[fieldID] == value {
			return nil
		}
		s.switchVariant(tpl, fieldID, value)
	default:
		s.data[fieldID] = value
		if fieldID == tpl.SignerField && tpl.CodeField != "" && strings.TrimSpace(value) != "" {
			if code := s.codes.Generate(value); code != "" {
				s.data[tpl.CodeField] = code
			}
		}
	}

	if strings.TrimSpace(value) != "" {
		delete(s.invalid, fieldID)
	}
	s.touch(tpl.ID)
	return nil
}

func variantKey(templateID, fieldID, value string) string {
	return templateID + "/" + fieldID + "=" + value
}

// switchVariant snapshots the values of the previous variant and restores
// the snapshot of the new one, or keeps only the carried fields.
func (s *Session) switchVariant(tpl registry.Template, fieldID, value string) {
	if previous := s.data[fieldID]; previous != "" {
		s.variants.Save(variantKey(tpl.ID, fieldID, previous), s.data)
	}

	if saved, ok := s.variants.Load(variantKey(tpl.ID, fieldID, value)); ok && value != "" {
		for _, carried := range tpl.Carry {
			if current := s.data[carried]; current != "" {
				saved[carried] = current
			}
		}
		saved[fieldID] = value
		s.data = saved
		return
	}

	next := s.data.Keep(tpl.Carry...)
	for _, carried := range tpl.Carry {
		if next[carried] == "" {
			if def, ok := tpl.Defaults[carried]; ok {
				next[carried] = def
			}
		}
	}
	if tpl.SignerField != "" && tpl.CodeField != "" && next[tpl.CodeField] == "" && next[tpl.SignerField] != "" {
		if code := s.codes.Generate(next[tpl.SignerField]); code != "" {
			next[tpl.CodeField] = code
		}
	}
	next[fieldID] = value
	s.data = next
}

// touch runs the bookkeeping shared by every mutation. Caller holds s.mu.
func (s *Session) touch(templateID string) {
	s.drafts.Save(templateID, s.data)
	s.epoch++
	s.displayed = Displayed{}
	if s.cache.Invalidate(templateID) {
		s.logger.Debug("generation cache invalidated", "template", templateID)
	}
}

// Field returns the current value of fieldID.
func (s *Session) Field(fieldID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[fieldID]
}

// Data returns a copy of the current values.
func (s *Session) Data() formdata.FormData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

// Reset clears every value of the current template, including its saved
// draft and cache entry.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.currentTemplate()
	if !ok {
		return ErrNoTemplate
	}
	s.data = formdata.FormData{}
	s.invalid = map[string]struct{}{}
	s.touch(tpl.ID)
	return nil
}

// Steps resolves the visible steps for the current values.
func (s *Session) Steps() []registry.StepDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepsLocked()
}

func (s *Session) stepsLocked() []registry.StepDescriptor {
	if s.templateID == "" {
		return nil
	}
	return s.res.ResolveSteps(s.templateID, s.subState())
}

func (s *Session) subState() resolver.SubState {
	return s.res.SubState(s.templateID, s.data)
}

// CurrentStep returns the active step, clamping a stale index to the first
// step.
func (s *Session) CurrentStep() (int, registry.StepDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := s.stepsLocked()
	if len(steps) == 0 {
		return 0, registry.StepDescriptor{}, false
	}
	s.step = resolver.ClampStepIndex(s.step, len(steps))
	return s.step, steps[s.step], true
}

// GoToStep activates the step at index. Navigation is free except for
// steps gated on an unset discriminant.
func (s *Session) GoToStep(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.currentTemplate()
	if !ok {
		return ErrNoTemplate
	}
	steps := s.stepsLocked()
	if index < 0 || index >= len(steps) {
		return fmt.Errorf("%w: index %d of %d", ErrUnknownStep, index, len(steps))
	}
	target := steps[index]
	if tpl.IsGated(target.ID) {
		for _, id := range tpl.Discriminants {
			if strings.TrimSpace(s.data[id]) == "" {
				return fmt.Errorf("%w: %s needs %s", ErrStepGated, target.ID, id)
			}
		}
	}
	s.step = index
	return nil
}

// Fields resolves the fields of stepID, honoring customizations.
func (s *Session) Fields(stepID string) []registry.FieldSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.templateID == "" {
		return nil
	}
	return s.res.ResolveFields(s.templateID, stepID, s.subState(), s.custom)
}

// ReorderFields stores a user order for stepID's fields.
func (s *Session) ReorderFields(stepID string, order []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.templateID == "" {
		return ErrNoTemplate
	}
	current := s.res.ResolveFields(s.templateID, stepID, s.subState(), s.custom)
	return s.custom.Reorder(s.templateID, stepID, current, order)
}

// RemoveField hides fieldID from stepID, remembering its position.
func (s *Session) RemoveField(stepID, fieldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.templateID == "" {
		return ErrNoTemplate
	}
	current := s.res.ResolveFields(s.templateID, stepID, s.subState(), s.custom)
	return s.custom.Remove(s.templateID, stepID, current, fieldID)
}

// RestoreField puts a removed field back at its original position, clamped
// to the current length.
func (s *Session) RestoreField(stepID, fieldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.templateID == "" {
		return ErrNoTemplate
	}
	return s.custom.Restore(s.templateID, stepID, fieldID)
}

// RemovedFields lists the fields removed from stepID.
func (s *Session) RemovedFields(stepID string) []store.RemovedField {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.custom.Removed(s.templateID, stepID)
}

// ResetLayout drops the customization of stepID.
func (s *Session) ResetLayout(stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.custom.Reset(s.templateID, stepID)
}

func (s *Session) validationSteps() []validation.Step {
	steps := s.stepsLocked()
	sub := s.subState()
	out := make([]validation.Step, 0, len(steps))
	for _, step := range steps {
		out = append(out, validation.Step{
			ID:     step.ID,
			Fields: s.res.ResolveFields(s.templateID, step.ID, sub, s.custom),
		})
	}
	return out
}

// IsStepValid reports whether every field of stepID is valid.
func (s *Session) IsStepValid(stepID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.templateID == "" {
		return false
	}
	fields := s.res.ResolveFields(s.templateID, stepID, s.subState(), s.custom)
	return validation.StepValid(fields, s.data)
}

// IsFormValid reports whether a template is selected and every visible
// step is valid.
func (s *Session) IsFormValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return validation.FormValid(s.templateID, s.validationSteps(), s.data)
}

// InvalidFields returns the ids marked invalid by the last blocked
// attempt, minus the fields edited since.
func (s *Session) InvalidFields() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.invalid))
	for id := range s.invalid {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Cleaned returns the current values pruned to the template's valid
// fields.
func (s *Session) Cleaned() formdata.FormData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanedLocked()
}

func (s *Session) cleanedLocked() formdata.FormData {
	if s.templateID == "" {
		return formdata.FormData{}
	}
	valid := s.res.ValidFieldIDs(s.templateID, s.subState(), s.custom)
	return formdata.Clean(s.data, valid)
}

// checkLocked validates the form and refreshes the invalid marks when it
// fails. Caller holds s.mu.
func (s *Session) checkLocked() error {
	if s.templateID == "" {
		return ErrNoTemplate
	}
	steps := s.validationSteps()
	if err := validation.Check(s.templateID, steps, s.data); err != nil {
		s.invalid = validation.InvalidFields(steps, s.data)
		return err
	}
	return nil
}

type snapshot struct {
	templateID string
	epoch      uint64
	cleaned    formdata.FormData
}

func (s *Session) prepare() (snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return snapshot{}, err
	}
	return snapshot{templateID: s.templateID, epoch: s.epoch, cleaned: s.cleanedLocked()}, nil
}

// Generate validates the form and produces the artifact pair, reusing the
// cache when the cleaned values are unchanged. The pair is displayed only
// if the session still shows the same template and values when it
// arrives.
func (s *Session) Generate(ctx context.Context) (Result, error) {
	snap, err := s.prepare()
	if err != nil {
		return Result{}, err
	}

	release, err := s.acquireGeneration(ctx, snap.templateID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	res, err := s.orch.Generate(ctx, s.cache, snap.templateID, snap.cleaned)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.templateID != snap.templateID || s.epoch != snap.epoch {
		s.logger.Debug("discarding late generation result",
			"requested_template", snap.templateID,
			"active_template", s.templateID,
		)
		return res, nil
	}
	s.displayed = Displayed{
		Template:  res.Template,
		Hash:      res.Hash,
		Primary:   res.Primary,
		Secondary: res.Secondary,
	}
	return res, nil
}

// acquireGeneration waits until no generation of templateID is running in
// this session and claims the slot. A waiter that was queued behind a
// generation of the same values is then served from the cache.
func (s *Session) acquireGeneration(ctx context.Context, templateID string) (func(), error) {
	for {
		s.mu.Lock()
		running, busy := s.generating[templateID]
		if !busy {
			done := make(chan struct{})
			s.generating[templateID] = done
			s.mu.Unlock()
			return func() {
				s.mu.Lock()
				delete(s.generating, templateID)
				s.mu.Unlock()
				close(done)
			}, nil
		}
		s.mu.Unlock()

		select {
		case <-running:
		case <-ctx.Done():
			return nil, &services.GenerationError{Template: templateID, Err: services.Timeout("generate", 0, ctx.Err())}
		}
	}
}

// Download returns the requested artifact named after the template's
// filename pattern. The displayed pair is reused when it matches the
// current values.
func (s *Session) Download(ctx context.Context, format Format) (services.Artifact, error) {
	if format != FormatDOCX && format != FormatPDF {
		return services.Artifact{}, fmt.Errorf("%w %q", ErrUnsupportedFormat, format)
	}

	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return services.Artifact{}, err
	}
	cleaned := s.cleanedLocked()
	templateID := s.templateID
	shown := s.displayed
	s.mu.Unlock()

	primary, secondary := shown.Primary, shown.Secondary
	if shown.Template != templateID || shown.Hash != formdata.Hash(cleaned) {
		res, err := s.Generate(ctx)
		if err != nil {
			return services.Artifact{}, err
		}
		primary, secondary = res.Primary, res.Secondary
	}

	name, err := s.orch.Filename(templateID, cleaned, string(format))
	if err != nil {
		return services.Artifact{}, err
	}
	out := primary
	if format == FormatPDF {
		out = secondary
	}
	out.Filename = name
	return out, nil
}

// Send distributes the PDF to recipients and reports usage in the
// background. Only one send runs at a time per session.
func (s *Session) Send(ctx context.Context, req SendRequest) error {
	recipients := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, validation.SplitEmails(r)...)
	}
	if len(recipients) == 0 {
		return &validation.Error{Issues: []validation.Issue{{Field: "recipients", Message: "at least one recipient is required"}}}
	}
	for _, r := range recipients {
		if !validation.IsEmail(r) {
			return &validation.Error{Issues: []validation.Issue{{Field: "recipients", Message: fmt.Sprintf("invalid email address %q", r)}}}
		}
	}

	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		return services.ErrBusy
	}
	s.sending = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sending = false
		s.mu.Unlock()
	}()

	pdf, err := s.Download(ctx, FormatPDF)
	if err != nil {
		return err
	}

	s.mu.Lock()
	templateID := s.templateID
	tpl, _ := s.reg.Template(templateID)
	cleaned := s.cleanedLocked()
	raw := s.data.Clone()
	s.mu.Unlock()

	payload := services.GenerateRequest{TemplateType: tpl.ID, TemplateName: tpl.Title, Values: cleaned}.Payload()
	err = s.orch.Distribute(ctx, templateID, services.DistributeRequest{
		Data:       payload,
		Attachment: pdf,
		Recipients: recipients,
		Message:    req.Message,
		Filename:   pdf.Filename,
	})
	if err != nil {
		return err
	}

	userEmail := s.userEmail
	if userEmail == "" {
		userEmail = raw["emailDelegue"]
	}
	s.orch.Track(services.TrackEvent{
		ID:           uuid.NewString(),
		DocumentType: templateID,
		Title:        pdf.Filename,
		UserEmail:    userEmail,
		UserName:     s.userName,
		Attachment:   pdf,
		Metadata: map[string]string{
			"format":       string(FormatPDF),
			"destinataire": raw["nomDestinataire"],
			"email_envoi":  strings.Join(recipients, ", "),
			"emailDelegue": raw["emailDelegue"],
			"objet":        raw["objet"],
			"action":       "email_sent",
			"session":      s.id,
		},
	})
	return nil
}

// Displayed returns the artifact pair currently shown.
func (s *Session) Displayed() Displayed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayed
}

// CacheState classifies the current template's cache entry against the
// current values.
func (s *Session) CacheState() cache.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.templateID == "" {
		return cache.StateEmpty
	}
	return s.cache.State(s.templateID, formdata.Hash(s.cleanedLocked()))
}

// CacheStats exposes the session cache counters.
func (s *Session) CacheStats() cache.Stats {
	return s.cache.Stats()
}

func (s *Session) currentTemplate() (registry.Template, bool) {
	if s.templateID == "" {
		return registry.Template{}, false
	}
	return s.reg.Template(s.templateID)
}
