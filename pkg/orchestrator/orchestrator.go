package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-docwizard/pkg/cache"
	"github.com/goliatone/go-docwizard/pkg/formdata"
	"github.com/goliatone/go-docwizard/pkg/registry"
	"github.com/goliatone/go-docwizard/pkg/resolver"
	"github.com/goliatone/go-docwizard/pkg/services"
)

const (
	defaultTrackTimeout = 5 * time.Second
	convertNamePrefix   = "document_"
)

// Metrics receives engine observations. pkg/metrics provides a Prometheus
// implementation.
type Metrics interface {
	CacheLookup(template string, hit bool)
	ServiceCall(service, template string, err error, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) CacheLookup(string, bool)                         {}
func (nopMetrics) ServiceCall(string, string, error, time.Duration) {}

// Option customises the orchestrator configuration.
type Option func(*Orchestrator)

// WithRegistry injects the template catalog. Defaults to the embedded one.
func WithRegistry(reg *registry.Registry) Option {
	return func(o *Orchestrator) {
		o.registry = reg
	}
}

// WithResolver injects a prebuilt resolver. It takes precedence over
// WithRegistry.
func WithResolver(res *resolver.Resolver) Option {
	return func(o *Orchestrator) {
		o.resolver = res
	}
}

// WithGenerator injects the document generation collaborator.
func WithGenerator(g services.Generator) Option {
	return func(o *Orchestrator) {
		o.generator = g
	}
}

// WithConverter injects the conversion collaborator.
func WithConverter(c services.Converter) Option {
	return func(o *Orchestrator) {
		o.converter = c
	}
}

// WithDistributor injects the distribution collaborator.
func WithDistributor(d services.Distributor) Option {
	return func(o *Orchestrator) {
		o.distributor = d
	}
}

// WithTracker injects the usage tracker. Tracking is skipped when unset.
func WithTracker(t services.Tracker) Option {
	return func(o *Orchestrator) {
		o.tracker = t
	}
}

// WithTrackTimeout bounds each tracking call.
func WithTrackTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.trackTimeout = d
		}
	}
}

// WithLogger sets the logger shared by the orchestrator and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides the time source used for filenames and events.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCodeGenerator supplies the generator handed to new sessions.
func WithCodeGenerator(factory func() *CodeGenerator) Option {
	return func(o *Orchestrator) {
		o.codes = factory
	}
}

// Orchestrator coordinates resolution, validation, caching and the remote
// collaborators. It holds no per-user state and is shared by sessions.
type Orchestrator struct {
	registry     *registry.Registry
	resolver     *resolver.Resolver
	generator    services.Generator
	converter    services.Converter
	distributor  services.Distributor
	tracker      services.Tracker
	trackTimeout time.Duration
	filenames    *FilenameBuilder
	logger       *slog.Logger
	metrics      Metrics
	now          func() time.Time
	codes        func() *CodeGenerator

	flights singleflight.Group
	stages  sync.Map
}

const (
	stageGenerate int32 = iota
	stageConvert
)

// flightStage records which remote call an in-flight generation is waiting
// on, so callers that give up can report the right stage.
type flightStage struct {
	current atomic.Int32
}

// New constructs an Orchestrator. Generation and conversion collaborators
// are required; everything else has a default.
func New(options ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		trackTimeout: defaultTrackTimeout,
		logger:       slog.Default(),
		metrics:      nopMetrics{},
		now:          time.Now,
	}
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(o)
	}

	if o.generator == nil {
		return nil, errors.New("orchestrator: generator is required")
	}
	if o.converter == nil {
		return nil, errors.New("orchestrator: converter is required")
	}

	if o.resolver == nil {
		if o.registry == nil {
			reg, err := registry.Default()
			if err != nil {
				return nil, fmt.Errorf("orchestrator: load catalog: %w", err)
			}
			o.registry = reg
		}
		res, err := resolver.New(o.registry, resolver.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		o.resolver = res
	}
	o.registry = o.resolver.Registry()

	filenames, err := NewFilenameBuilder(o.registry, o.now)
	if err != nil {
		return nil, err
	}
	o.filenames = filenames

	if o.codes == nil {
		now := o.now
		o.codes = func() *CodeGenerator { return NewCodeGenerator(nil, now) }
	}
	return o, nil
}

// Registry returns the catalog in use.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Resolver returns the resolver in use.
func (o *Orchestrator) Resolver() *resolver.Resolver { return o.resolver }

// Result is the outcome of a generation.
type Result struct {
	Template  string
	Hash      string
	Primary   services.Artifact
	Secondary services.Artifact
	FromCache bool
}

// Generate returns the artifact pair for the cleaned data of templateID.
// A cache entry with the same hash short-circuits every remote call.
// Otherwise the document is generated then converted and the pair is
// committed only once both succeed. Concurrent calls for the same cache,
// template and hash share a single flight.
func (o *Orchestrator) Generate(ctx context.Context, c *cache.GenerationCache, templateID string, cleaned formdata.FormData) (Result, error) {
	if ctx == nil {
		return Result{}, errors.New("orchestrator: context is required")
	}
	if c == nil {
		return Result{}, errors.New("orchestrator: cache is required")
	}
	tpl, ok := o.registry.Template(templateID)
	if !ok {
		return Result{}, fmt.Errorf("orchestrator: unknown template %q", templateID)
	}

	hash := formdata.Hash(cleaned)
	if entry, ok := c.Lookup(templateID, hash); ok {
		o.metrics.CacheLookup(templateID, true)
		o.logger.Debug("generation cache hit", "template", templateID, "hash", hash)
		return Result{
			Template:  templateID,
			Hash:      hash,
			Primary:   entry.Primary,
			Secondary: entry.Secondary,
			FromCache: true,
		}, nil
	}
	o.metrics.CacheLookup(templateID, false)

	key := fmt.Sprintf("%p|%s|%s", c, templateID, hash)
	ch := o.flights.DoChan(key, func() (any, error) {
		if entry, ok := c.Peek(templateID); ok && entry.DataHash == hash {
			return Result{Template: templateID, Hash: hash, Primary: entry.Primary, Secondary: entry.Secondary, FromCache: true}, nil
		}
		stage := &flightStage{}
		o.stages.Store(key, stage)
		defer o.stages.Delete(key)
		return o.produce(ctx, c, tpl, hash, cleaned, stage)
	})

	select {
	case <-ctx.Done():
		select {
		case res := <-ch:
			return flightResult(res)
		default:
		}
		return Result{}, o.abandoned(key, templateID, ctx.Err())
	case res := <-ch:
		return flightResult(res)
	}
}

func flightResult(res singleflight.Result) (Result, error) {
	if res.Err != nil {
		return Result{}, res.Err
	}
	return res.Val.(Result), nil
}

// abandoned types the error of a caller whose context ended before the
// flight it joined returned, by the stage the flight is in.
func (o *Orchestrator) abandoned(key, templateID string, err error) error {
	if value, ok := o.stages.Load(key); ok && value.(*flightStage).current.Load() == stageConvert {
		return &services.ConversionError{Template: templateID, Err: services.Timeout("convert", 0, err)}
	}
	return &services.GenerationError{Template: templateID, Err: services.Timeout("generate", 0, err)}
}

// stageErr marks context deadlines as timeouts of service unless the
// collaborator already did.
func stageErr(service string, err error) error {
	if errors.Is(err, services.ErrTimeout) {
		return err
	}
	return services.Timeout(service, 0, err)
}

func (o *Orchestrator) produce(ctx context.Context, c *cache.GenerationCache, tpl registry.Template, hash string, cleaned formdata.FormData, stage *flightStage) (Result, error) {
	started := time.Now()
	primary, err := o.generator.Generate(ctx, services.GenerateRequest{
		TemplateType: tpl.ID,
		TemplateName: tpl.Title,
		Values:       cleaned.Clone(),
	})
	o.metrics.ServiceCall("generate", tpl.ID, err, time.Since(started))
	if err != nil {
		return Result{}, &services.GenerationError{Template: tpl.ID, Err: stageErr("generate", err)}
	}
	if primary.ContentType == "" {
		primary.ContentType = services.ContentTypeDOCX
	}

	stage.current.Store(stageConvert)
	started = time.Now()
	secondary, err := o.converter.Convert(ctx, services.ConvertRequest{
		Primary:  primary,
		Filename: convertNamePrefix + tpl.ID,
	})
	o.metrics.ServiceCall("convert", tpl.ID, err, time.Since(started))
	if err != nil {
		return Result{}, &services.ConversionError{Template: tpl.ID, Err: stageErr("convert", err)}
	}
	if secondary.ContentType == "" {
		secondary.ContentType = services.ContentTypePDF
	}

	c.Store(tpl.ID, hash, primary, secondary)
	o.logger.Debug("generation committed", "template", tpl.ID, "hash", hash)
	return Result{Template: tpl.ID, Hash: hash, Primary: primary, Secondary: secondary}, nil
}

// Filename builds the download name for cleaned data.
func (o *Orchestrator) Filename(templateID string, cleaned formdata.FormData, ext string) (string, error) {
	return o.filenames.Build(templateID, cleaned, ext)
}

// Distribute sends the secondary artifact through the distribution
// collaborator.
func (o *Orchestrator) Distribute(ctx context.Context, templateID string, req services.DistributeRequest) error {
	if o.distributor == nil {
		return &services.DistributionError{Template: templateID, Err: errors.New("orchestrator: distributor is not configured")}
	}
	started := time.Now()
	err := o.distributor.Distribute(ctx, req)
	o.metrics.ServiceCall("distribute", templateID, err, time.Since(started))
	if err != nil {
		return &services.DistributionError{Template: templateID, Err: err}
	}
	return nil
}

// Track reports a usage event in the background. Failures are logged and
// never surface to the caller.
func (o *Orchestrator) Track(event services.TrackEvent) <-chan struct{} {
	done := make(chan struct{})
	if o.tracker == nil {
		close(done)
		return done
	}
	if event.At.IsZero() {
		event.At = o.now()
	}
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), o.trackTimeout)
		defer cancel()
		started := time.Now()
		err := o.tracker.Track(ctx, event)
		o.metrics.ServiceCall("track", event.DocumentType, err, time.Since(started))
		if err != nil {
			o.logger.Warn("usage tracking failed", "template", event.DocumentType, "error", err)
		}
	}()
	return done
}
