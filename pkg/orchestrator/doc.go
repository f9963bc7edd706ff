// Package orchestrator wires the resolver, validation, cache and remote
// collaborators into a single entry point. Orchestrator holds the shared,
// stateless dependencies; Session owns the draft values, customizations and
// generated artifacts of one interactive user.
package orchestrator
