// Package services declares the remote collaborators the document engine
// depends on (generation, conversion, distribution and usage tracking), the
// artifacts they exchange and the error taxonomy shared by every
// implementation.
package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	ContentTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	ContentTypePDF  = "application/pdf"
)

// Artifact is a generated binary document.
type Artifact struct {
	Data        []byte `json:"data,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// ArtifactFromBase64 decodes a text-encoded artifact.
func ArtifactFromBase64(encoded, filename, contentType string) (Artifact, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Artifact{}, fmt.Errorf("services: decode %s: %w", contentType, err)
	}
	return Artifact{Data: data, Filename: filename, ContentType: contentType}, nil
}

// Base64 returns the text encoding used on the wire.
func (a Artifact) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Data)
}

// Empty reports whether the artifact carries no bytes.
func (a Artifact) Empty() bool {
	return len(a.Data) == 0
}

// GenerateRequest is the flat payload sent to the generation service.
type GenerateRequest struct {
	TemplateType string
	TemplateName string
	Values       map[string]string
}

// Payload flattens the request. Cleaned values win over the bookkeeping
// keys when both are present.
func (r GenerateRequest) Payload() map[string]string {
	out := make(map[string]string, len(r.Values)+2)
	out["templateType"] = r.TemplateType
	out["templateName"] = r.TemplateName
	for key, value := range r.Values {
		out[key] = value
	}
	return out
}

// ConvertRequest asks for the secondary form of a primary artifact.
type ConvertRequest struct {
	Primary  Artifact
	Filename string
}

// DistributeRequest sends the secondary artifact to recipients.
type DistributeRequest struct {
	Data       map[string]string
	Attachment Artifact
	Recipients []string
	Message    string
	Filename   string
}

// TrackEvent records a completed user action for usage reporting.
type TrackEvent struct {
	ID           string
	DocumentType string
	Title        string
	UserEmail    string
	UserName     string
	Metadata     map[string]string
	Attachment   Artifact
	At           time.Time
}

// Generator produces the primary artifact from cleaned form values.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Artifact, error)
}

// Converter produces the secondary artifact from the primary one.
type Converter interface {
	Convert(ctx context.Context, req ConvertRequest) (Artifact, error)
}

// Distributor delivers an artifact to its recipients.
type Distributor interface {
	Distribute(ctx context.Context, req DistributeRequest) error
}

// Tracker receives best-effort usage events.
type Tracker interface {
	Track(ctx context.Context, event TrackEvent) error
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (Artifact, error)

func (fn GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (Artifact, error) {
	return fn(ctx, req)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, req ConvertRequest) (Artifact, error)

func (fn ConverterFunc) Convert(ctx context.Context, req ConvertRequest) (Artifact, error) {
	return fn(ctx, req)
}

// DistributorFunc adapts a function to Distributor.
type DistributorFunc func(ctx context.Context, req DistributeRequest) error

func (fn DistributorFunc) Distribute(ctx context.Context, req DistributeRequest) error {
	return fn(ctx, req)
}

// TrackerFunc adapts a function to Tracker.
type TrackerFunc func(ctx context.Context, event TrackEvent) error

func (fn TrackerFunc) Track(ctx context.Context, event TrackEvent) error {
	return fn(ctx, event)
}

// NopTracker drops every event.
type NopTracker struct{}

func (NopTracker) Track(context.Context, TrackEvent) error { return nil }
