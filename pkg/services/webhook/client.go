// Package webhook implements the services collaborators over JSON webhooks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/goliatone/go-docwizard/pkg/services"
)

const (
	DefaultRequestTimeout  = 120 * time.Second
	DefaultTrackingTimeout = 5 * time.Second
	DefaultMaxPayloadBytes = 8 * 1024 * 1024

	headerRequestID = "X-Request-ID"
	headerNgrokSkip = "ngrok-skip-browser-warning"
	headerAPIKey    = "x-api-key"

	maxErrorBody = 4096
)

// Config holds the endpoints and limits of the webhook collaborators.
type Config struct {
	GenerateURL   string
	ConvertURL    string
	DistributeURL string
	TrackingURL   string

	TrackingAPIKey string
	TrackingToken  string

	RequestTimeout  time.Duration
	TrackingTimeout time.Duration
	MaxPayloadBytes int

	// ToolName tags tracking events.
	ToolName string
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.TrackingTimeout <= 0 {
		c.TrackingTimeout = DefaultTrackingTimeout
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.ToolName == "" {
		c.ToolName = "docwizard"
	}
	return c
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient swaps the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time stamped on tracking events.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client talks to the generation, conversion, distribution and tracking
// webhooks. Each call gets its own timeout and is never retried.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	policy *bluemonday.Policy
	now    func() time.Time
}

var (
	_ services.Generator   = (*Client)(nil)
	_ services.Converter   = (*Client)(nil)
	_ services.Distributor = (*Client)(nil)
	_ services.Tracker     = (*Client)(nil)
)

// New builds a Client. Missing limits fall back to the package defaults.
func New(cfg Config, options ...Option) *Client {
	c := &Client{
		cfg:    cfg.withDefaults(),
		http:   &http.Client{},
		logger: slog.Default(),
		policy: bluemonday.UGCPolicy(),
		now:    time.Now,
	}
	for _, opt := range options {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

type generateResponse struct {
	Data       string `json:"data"`
	WordBase64 string `json:"wordBase64"`
}

// Generate posts the flat payload and decodes the returned document.
func (c *Client) Generate(ctx context.Context, req services.GenerateRequest) (services.Artifact, error) {
	var out generateResponse
	if err := c.postJSON(ctx, "generate", c.cfg.GenerateURL, c.cfg.RequestTimeout, nil, req.Payload(), &out); err != nil {
		return services.Artifact{}, err
	}

	encoded := out.Data
	if encoded == "" {
		encoded = out.WordBase64
	}
	if encoded == "" {
		return services.Artifact{}, &services.ServiceError{Service: "generate", Status: http.StatusOK, Message: "response carries no document"}
	}
	return services.ArtifactFromBase64(encoded, "", services.ContentTypeDOCX)
}

type convertRequest struct {
	WordBase64 string `json:"wordBase64"`
	Filename   string `json:"filename"`
}

type convertResponse struct {
	PDFBase64 string `json:"pdfBase64"`
}

// Convert posts the primary artifact and decodes the returned PDF. The
// result is named after the filename hint.
func (c *Client) Convert(ctx context.Context, req services.ConvertRequest) (services.Artifact, error) {
	name := strings.TrimSpace(req.Filename)
	if name == "" {
		name = "document"
	}

	var out convertResponse
	body := convertRequest{WordBase64: req.Primary.Base64(), Filename: name}
	if err := c.postJSON(ctx, "convert", c.cfg.ConvertURL, c.cfg.RequestTimeout, nil, body, &out); err != nil {
		return services.Artifact{}, err
	}
	if out.PDFBase64 == "" {
		return services.Artifact{}, &services.ServiceError{Service: "convert", Status: http.StatusOK, Message: "response carries no pdf"}
	}
	return services.ArtifactFromBase64(out.PDFBase64, name+".pdf", services.ContentTypePDF)
}

// Distribute sends the attachment with the cleaned data. The custom
// message is sanitized and the encoded body is checked against the payload
// limit before anything goes on the wire.
func (c *Client) Distribute(ctx context.Context, req services.DistributeRequest) error {
	payload := make(map[string]string, len(req.Data)+4)
	for key, value := range req.Data {
		payload[key] = value
	}
	payload["pdfFile"] = req.Attachment.Base64()
	if len(req.Recipients) > 0 {
		payload["emailEnvoi"] = strings.Join(req.Recipients, ", ")
	}
	if msg := strings.TrimSpace(c.policy.Sanitize(req.Message)); msg != "" {
		payload["customEmailMessage"] = msg
	}
	if req.Filename != "" {
		payload["pdfFilename"] = req.Filename
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: distribute: encode: %w", err)
	}
	if len(body) > c.cfg.MaxPayloadBytes {
		return &services.PayloadTooLargeError{Size: len(body), Limit: c.cfg.MaxPayloadBytes}
	}
	return c.post(ctx, "distribute", c.cfg.DistributeURL, c.cfg.RequestTimeout, nil, body, nil)
}

type trackPayload struct {
	UserEmail    string            `json:"user_email"`
	UserName     string            `json:"user_name,omitempty"`
	DocumentType string            `json:"document_type"`
	Title        string            `json:"title"`
	Metadata     map[string]string `json:"metadata"`
	FileBase64   string            `json:"file_base64,omitempty"`
}

// Track reports a usage event. It is a no-op when no tracking URL is set.
func (c *Client) Track(ctx context.Context, event services.TrackEvent) error {
	if c.cfg.TrackingURL == "" {
		return nil
	}

	at := event.At
	if at.IsZero() {
		at = c.now()
	}
	meta := make(map[string]string, len(event.Metadata)+3)
	for key, value := range event.Metadata {
		meta[key] = value
	}
	generatedBy := event.UserName
	if generatedBy == "" {
		generatedBy = event.UserEmail
	}
	meta["generated_by"] = generatedBy
	meta["generated_at"] = at.UTC().Format(time.RFC3339)
	meta["tool"] = c.cfg.ToolName

	payload := trackPayload{
		UserEmail:    event.UserEmail,
		UserName:     event.UserName,
		DocumentType: event.DocumentType,
		Title:        event.Title,
		Metadata:     meta,
	}
	if !event.Attachment.Empty() {
		payload.FileBase64 = event.Attachment.Base64()
	}

	headers := http.Header{}
	if c.cfg.TrackingAPIKey != "" {
		headers.Set(headerAPIKey, c.cfg.TrackingAPIKey)
	}
	if c.cfg.TrackingToken != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.TrackingToken)
	}
	if event.ID != "" {
		headers.Set(headerRequestID, event.ID)
	}
	return c.postJSON(ctx, "track", c.cfg.TrackingURL, c.cfg.TrackingTimeout, headers, payload, nil)
}

func (c *Client) postJSON(ctx context.Context, service, url string, timeout time.Duration, headers http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("webhook: %s: encode: %w", service, err)
	}
	return c.post(ctx, service, url, timeout, headers, body, out)
}

func (c *Client) post(ctx context.Context, service, url string, timeout time.Duration, headers http.Header, body []byte, out any) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("webhook: %s: url is not configured", service)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: %s: build request: %w", service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get(headerRequestID) == "" {
		req.Header.Set(headerRequestID, uuid.NewString())
	}
	if strings.Contains(url, "ngrok") {
		req.Header.Set(headerNgrokSkip, "true")
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", err, context.DeadlineExceeded)
		}
		return services.Timeout(service, timeout, fmt.Errorf("webhook: %s: %w", service, err))
	}
	defer resp.Body.Close()

	c.logger.Debug("webhook call",
		"service", service,
		"status", resp.StatusCode,
		"request_id", req.Header.Get(headerRequestID),
		"duration", time.Since(started),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		return &services.ServiceError{Service: service, Status: resp.StatusCode, Message: text}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Timeout(service, timeout, fmt.Errorf("webhook: %s: decode response: %w", service, err))
	}
	return nil
}
