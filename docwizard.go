// Package docwizard is the top-level entry point of the document wizard
// engine. It wires configuration, the template catalog, the webhook
// services and metrics into an orchestrator.
package docwizard

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/goliatone/go-docwizard/pkg/config"
	"github.com/goliatone/go-docwizard/pkg/metrics"
	"github.com/goliatone/go-docwizard/pkg/orchestrator"
	"github.com/goliatone/go-docwizard/pkg/registry"
	"github.com/goliatone/go-docwizard/pkg/services/webhook"
)

// Session aliases orchestrator.Session for callers that only import the root
// package.
type Session = orchestrator.Session

// CatalogFS exposes the embedded catalog so tools can inspect or copy it as
// a starting point for a custom catalog directory.
func CatalogFS() fs.FS {
	return registry.EmbeddedFS()
}

// LoadRegistry returns the catalog found under path, or the embedded one
// when path is empty.
func LoadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default()
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("docwizard: catalog %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("docwizard: catalog %s is not a directory", path)
	}
	return registry.LoadFS(os.DirFS(path))
}

// Engine bundles what a process needs to serve sessions.
type Engine struct {
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Collector
	Client       *webhook.Client
}

// NewEngine builds an orchestrator backed by the webhook services described
// in cfg. extra options are applied last.
func NewEngine(cfg config.Config, logger *slog.Logger, extra ...orchestrator.Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := LoadRegistry(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	client := webhook.New(cfg.Webhook(), webhook.WithLogger(logger))
	collector := metrics.New(metrics.DefaultConfig())

	opts := []orchestrator.Option{
		orchestrator.WithRegistry(reg),
		orchestrator.WithGenerator(client),
		orchestrator.WithConverter(client),
		orchestrator.WithDistributor(client),
		orchestrator.WithTracker(client),
		orchestrator.WithTrackTimeout(cfg.TrackingTimeout),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(collector),
	}
	orch, err := orchestrator.New(append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	return &Engine{Orchestrator: orch, Metrics: collector, Client: client}, nil
}
