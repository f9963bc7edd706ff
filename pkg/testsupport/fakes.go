// Package testsupport provides in-memory collaborators for tests that drive
// the orchestrator without the remote services.
package testsupport

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-docwizard/pkg/services"
)

// Context returns a background context for tests.
func Context() context.Context {
	return context.Background()
}

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Generator records every generation request and returns a deterministic
// artifact derived from the payload. Err, when set, is returned instead.
// Gate, when set, blocks each call until it is closed or ctx finishes.
type Generator struct {
	mu       sync.Mutex
	requests []services.GenerateRequest

	Err  error
	Gate chan struct{}
}

// Generate implements services.Generator.
func (g *Generator) Generate(ctx context.Context, req services.GenerateRequest) (services.Artifact, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	gate, err := g.Gate, g.Err
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return services.Artifact{}, ctx.Err()
		}
	}
	if err != nil {
		return services.Artifact{}, err
	}
	return services.Artifact{
		Data:        []byte("docx:" + Describe(req.Payload())),
		ContentType: services.ContentTypeDOCX,
	}, nil
}

// Calls returns how many generations were requested.
func (g *Generator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// Requests returns a copy of the recorded requests.
func (g *Generator) Requests() []services.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]services.GenerateRequest(nil), g.requests...)
}

// Last returns the most recent request.
func (g *Generator) Last() (services.GenerateRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		return services.GenerateRequest{}, false
	}
	return g.requests[len(g.requests)-1], true
}

// SetErr changes the error returned by later calls.
func (g *Generator) SetErr(err error) {
	g.mu.Lock()
	g.Err = err
	g.mu.Unlock()
}

// Converter records conversions and prefixes the primary bytes with "pdf:".
// Gate, when set, blocks each call until it is closed or ctx finishes.
type Converter struct {
	mu       sync.Mutex
	requests []services.ConvertRequest

	Err  error
	Gate chan struct{}
}

// Convert implements services.Converter.
func (c *Converter) Convert(ctx context.Context, req services.ConvertRequest) (services.Artifact, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	gate, err := c.Gate, c.Err
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return services.Artifact{}, ctx.Err()
		}
	}
	if err != nil {
		return services.Artifact{}, err
	}
	return services.Artifact{
		Data:        append([]byte("pdf:"), req.Primary.Data...),
		Filename:    req.Filename + ".pdf",
		ContentType: services.ContentTypePDF,
	}, nil
}

// Calls returns how many conversions were requested.
func (c *Converter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Requests returns a copy of the recorded requests.
func (c *Converter) Requests() []services.ConvertRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]services.ConvertRequest(nil), c.requests...)
}

// SetErr changes the error returned by later calls.
func (c *Converter) SetErr(err error) {
	c.mu.Lock()
	c.Err = err
	c.mu.Unlock()
}

// Distributor records distribution requests.
type Distributor struct {
	mu       sync.Mutex
	requests []services.DistributeRequest

	Err  error
	Gate chan struct{}
}

// Distribute implements services.Distributor.
func (d *Distributor) Distribute(ctx context.Context, req services.DistributeRequest) error {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	gate, err := d.Gate, d.Err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Requests returns a copy of the recorded requests.
func (d *Distributor) Requests() []services.DistributeRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]services.DistributeRequest(nil), d.requests...)
}

// Tracker records usage events.
type Tracker struct {
	mu     sync.Mutex
	events []services.TrackEvent

	Err error
}

// Track implements services.Tracker.
func (t *Tracker) Track(_ context.Context, event services.TrackEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
	return t.Err
}

// Events returns a copy of the recorded events.
func (t *Tracker) Events() []services.TrackEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]services.TrackEvent(nil), t.events...)
}

// Describe renders a payload as sorted key=value pairs, handy for stable
// artifact bytes and assertions.
func Describe(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+values[key])
	}
	return strings.Join(parts, ";")
}
