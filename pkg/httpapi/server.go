// Package httpapi exposes orchestrator sessions over a JSON HTTP API.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/goliatone/go-docwizard/pkg/orchestrator"
	"github.com/goliatone/go-docwizard/pkg/registry"
	"github.com/goliatone/go-docwizard/pkg/services"
	"github.com/goliatone/go-docwizard/pkg/store"
	"github.com/goliatone/go-docwizard/pkg/validation"
)

const (
	defaultSessionTTL = 2 * time.Hour
	maxBodyBytes      = 1 << 20
)

// SessionObserver is notified when sessions open and close.
type SessionObserver interface {
	SessionOpened()
	SessionClosed()
}

// Option customises the server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSessionTTL expires sessions idle for longer than ttl.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source used for session expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithSessionObserver registers a session lifecycle observer.
func WithSessionObserver(o SessionObserver) Option {
	return func(s *Server) {
		s.observer = o
	}
}

// WithSessionOptions applies opts to every new session.
func WithSessionOptions(opts ...orchestrator.SessionOption) Option {
	return func(s *Server) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

type sessionEntry struct {
	session  *orchestrator.Session
	lastSeen time.Time
}

// Server keeps one orchestrator session per client session id.
type Server struct {
	orch        *orchestrator.Orchestrator
	logger      *slog.Logger
	ttl         time.Duration
	now         func() time.Time
	metrics     http.Handler
	observer    SessionObserver
	sessionOpts []orchestrator.SessionOption

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// New builds a server backed by orch.
func New(orch *orchestrator.Orchestrator, options ...Option) *Server {
	s := &Server{
		orch:     orch,
		logger:   slog.Default(),
		ttl:      defaultSessionTTL,
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
	}
	for _, opt := range options {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/templates", s.listTemplates)
		api.Post("/sessions", s.createSession)

		api.Route("/sessions/{sessionID}", func(sr chi.Router) {
			sr.Get("/", s.withSession(s.getState))
			sr.Delete("/", s.deleteSession)
			sr.Put("/template", s.withSession(s.selectTemplate))
			sr.Put("/fields/{fieldID}", s.withSession(s.setField))
			sr.Delete("/data", s.withSession(s.resetData))
			sr.Put("/step", s.withSession(s.goToStep))
			sr.Get("/steps/{stepID}/fields", s.withSession(s.stepFields))
			sr.Put("/steps/{stepID}/layout", s.withSession(s.reorderFields))
			sr.Delete("/steps/{stepID}/layout", s.withSession(s.resetLayout))
			sr.Delete("/steps/{stepID}/fields/{fieldID}", s.withSession(s.removeField))
			sr.Post("/steps/{stepID}/fields/{fieldID}/restore", s.withSession(s.restoreField))
			sr.Post("/generate", s.withSession(s.generate))
			sr.Get("/download/{format}", s.withSession(s.download))
			sr.Post("/send", s.withSession(s.send))
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"elapsed", time.Since(started),
		)
	})
}

// Open creates a session and returns its id.
func (s *Server) Open() string {
	s.Sweep()
	session := s.orch.NewSession(s.sessionOpts...)
	s.mu.Lock()
	s.sessions[session.ID()] = &sessionEntry{session: session, lastSeen: s.now()}
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.SessionOpened()
	}
	return session.ID()
}

// Session returns a live session and refreshes its idle timer.
func (s *Server) Session(id string) (*orchestrator.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	now := s.now()
	if now.Sub(entry.lastSeen) > s.ttl {
		s.dropLocked(id)
		return nil, false
	}
	entry.lastSeen = now
	return entry.session, true
}

// Close discards a session. It reports whether it existed.
func (s *Server) Close(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	s.dropLocked(id)
	return true
}

// Sweep discards every expired session.
func (s *Server) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	dropped := 0
	for id, entry := range s.sessions {
		if now.Sub(entry.lastSeen) > s.ttl {
			s.dropLocked(id)
			dropped++
		}
	}
	return dropped
}

func (s *Server) dropLocked(id string) {
	delete(s.sessions, id)
	if s.observer != nil {
		s.observer.SessionClosed()
	}
	s.logger.Debug("session closed", "session", id)
}

type sessionHandler func(http.ResponseWriter, *http.Request, *orchestrator.Session)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.Session(chi.URLParam(r, "sessionID"))
		if !ok {
			writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", nil)
			return
		}
		h(w, r, session)
	}
}

type templateSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (s *Server) listTemplates(w http.ResponseWriter, _ *http.Request) {
	templates := s.orch.Registry().Templates()
	out := make([]templateSummary, 0, len(templates))
	for _, tpl := range templates {
		out = append(out, templateSummary{ID: tpl.ID, Title: tpl.Title, Description: tpl.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": out})
}

func (s *Server) createSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"id": s.Open()})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.Close(chi.URLParam(r, "sessionID")) {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type displayedView struct {
	Template string `json:"template"`
	Hash     string `json:"hash"`
}

type stateView struct {
	ID         string                    `json:"id"`
	Template   string                    `json:"template,omitempty"`
	Step       int                       `json:"step"`
	Steps      []registry.StepDescriptor `json:"steps"`
	Data       map[string]string         `json:"data"`
	Invalid    []string                  `json:"invalid"`
	Valid      bool                      `json:"valid"`
	CacheState string                    `json:"cacheState"`
	Displayed  *displayedView            `json:"displayed,omitempty"`
}

func (s *Server) state(session *orchestrator.Session) stateView {
	view := stateView{
		ID:         session.ID(),
		Template:   session.Template(),
		Steps:      session.Steps(),
		Data:       session.Data(),
		Invalid:    session.InvalidFields(),
		Valid:      session.IsFormValid(),
		CacheState: string(session.CacheState()),
	}
	if view.Steps == nil {
		view.Steps = []registry.StepDescriptor{}
	}
	if idx, _, ok := session.CurrentStep(); ok {
		view.Step = idx
	}
	if shown := session.Displayed(); !shown.Empty() {
		view.Displayed = &displayedView{Template: shown.Template, Hash: shown.Hash}
	}
	return view
}

func (s *Server) getState(w http.ResponseWriter, _ *http.Request, session *orchestrator.Session) {
	writeJSON(w, http.StatusOK, s.state(session))
}

func (s *Server) selectTemplate(w http.ResponseWriter, r *http.Request, session *orchestrator.Session) {
	var body struct {
		Template string `json:"template"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := session.SelectTemplate(body.Template); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.state(session))
}

func (s *Server) setField(w http.ResponseWriter, r *http.Request, session *orchestrator.Session) {
	var body struct {
		Value string `json:"value"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := session.SetField(chi.URLParam(r, "fieldID"), body.Value); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.state(session))
}

func (s *Server) resetData(w http.ResponseWriter, _ *http.Request, session *orchestrator.Session) {
	if err := session.Reset(); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.state(session))
}

func (s *Server) goToStep(w http.ResponseWriter, r *http.Request, session *orchestrator.Session) {
	var body struct {
		Index int `json:"index"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := session.GoToStep(body.Index); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.state(session))
}

type fieldsView struct {
	Step    string                 `json:"step"`
	Valid   bool                   `json:"valid"`
	Fields  []registry.FieldSchema `json:"fields"`
	Removed []store.RemovedField   `json:"removed"`
}

func (s *Server) fieldsView(session *orchestrator.Session, stepID string) fieldsView {
	view := fieldsView{
		Step:    stepID,
		Valid:   session.IsStepValid(stepID),
		Fields:  session.Fields(stepID),
		Removed: session.RemovedFields(stepID),
	}
	if view.Fields == nil {
		view.Fields = []registry.FieldSchema{}
	}
	if view.Removed == nil {
		view.Removed = []store.RemovedField{}
	}
	return view
}

func (s *Server) stepFields(w http.ResponseWriter, r *http.Request, session *orchestrator.Session) {
	writeJSON(w, http.StatusOK, s.fieldsView(session, chi.URLParam(r, "stepID")))
}

func (s *Server) reorderFields(w http.ResponseWriter, r *http.Request, session *orchestrator.Session) {
	var body struct {
		Order []string `json:"order"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	stepID := chi.URLParam(r, "stepID")
	if err := session.ReorderFields(stepID, body.Order); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.fieldsView(session, stepID))
}

func (s *Server) resetLayout(w http.ResponseWriter, r *http.Request, session *orchestrator.Session) {
	stepID := chi.URLParam(r, "stepID")
	session.ResetLayout(stepID)
	writeJSON(w, http.StatusOK, s.fieldsView(session, stepID))
}

func (s *Server) removeField(w http.ResponseWriter, r *http.Request, session *orchestrator.Session) {
	stepID := chi.URLParam(r, "stepID")
	if err := session.RemoveField(stepID, chi.URLParam(r, "fieldID")); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.fieldsView(session, stepID))
}

func (s *Server) restoreField(w http.ResponseWriter, r *http.Request, session *orchestrator.Session) {
	stepID := chi.URLParam(r, "stepID")
	if err := session.RestoreField(stepID, chi.URLParam(r, "fieldID")); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.fieldsView(session, stepID))
}

type generateView struct {
	Template  string `json:"template"`
	Hash      string `json:"hash"`
	FromCache bool   `json:"fromCache"`
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request, session *orchestrator.Session) {
	res, err := session.Generate(r.Context())
	if err != nil {
		s.logger.Warn("generation failed", "session", session.ID(), "error", err)
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateView{Template: res.Template, Hash: res.Hash, FromCache: res.FromCache})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request, session *orchestrator.Session) {
	artifact, err := session.Download(r.Context(), orchestrator.Format(chi.URLParam(r, "format")))
	if err != nil {
		writeFailure(w, err)
		return
	}
	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Data)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, session *orchestrator.Session) {
	var body struct {
		Recipients []string `json:"recipients"`
		Message    string   `json:"message"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	err := session.Send(r.Context(), orchestrator.SendRequest{Recipients: body.Recipients, Message: body.Message})
	if err != nil {
		s.logger.Warn("send failed", "session", session.ID(), "error", err)
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_BODY", err.Error(), nil)
		return false
	}
	return true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: message, Details: details}})
}

// writeFailure maps domain errors onto status codes. The message is the
// user-facing one.
func writeFailure(w http.ResponseWriter, err error) {
	var (
		verr    *validation.Error
		svcErr  *services.ServiceError
		details any
	)
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.As(err, &verr):
		status, code = http.StatusUnprocessableEntity, "INVALID_FIELDS"
		details = map[string]any{"fields": verr.Fields()}
	case errors.Is(err, orchestrator.ErrUnknownTemplate), errors.Is(err, orchestrator.ErrUnknownStep):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, orchestrator.ErrUnsupportedFormat):
		status, code = http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, store.ErrUnknownField), errors.Is(err, store.ErrInvalidOrder):
		status, code = http.StatusBadRequest, "UNKNOWN_FIELD"
	case errors.Is(err, orchestrator.ErrNoTemplate), errors.Is(err, orchestrator.ErrStepGated):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, services.ErrBusy):
		status, code = http.StatusConflict, "BUSY"
	case errors.Is(err, services.ErrPayloadTooLarge):
		status, code = http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"
	case errors.Is(err, services.ErrTimeout):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	case errors.As(err, &svcErr):
		status, code = http.StatusBadGateway, "UPSTREAM"
	}

	message := services.UserMessage(err)
	switch code {
	case "NOT_FOUND", "UNKNOWN_FIELD", "INVALID_STATE", "BAD_REQUEST":
		message = err.Error()
	}
	writeError(w, status, code, message, details)
}
