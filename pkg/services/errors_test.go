package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/goliatone/go-docwizard/pkg/validation"
)

func TestTimeoutWrapsDeadlines(t *testing.T) {
	t.Parallel()

	err := Timeout("generate", 2*time.Second, fmt.Errorf("post: %w", context.DeadlineExceeded))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to be preserved")
	}

	other := errors.New("boom")
	if got := Timeout("generate", time.Second, other); got != other {
		t.Fatalf("non-deadline errors must pass through, got %v", got)
	}
	if Timeout("generate", time.Second, nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestStageErrorsUnwrap(t *testing.T) {
	t.Parallel()

	cause := &ServiceError{Service: "convert", Status: 502, Message: "bad gateway"}
	err := fmt.Errorf("orchestrator: %w", &ConversionError{Template: "custom", Err: cause})

	var conv *ConversionError
	if !errors.As(err, &conv) || conv.Template != "custom" {
		t.Fatalf("expected ConversionError, got %v", err)
	}
	var svc *ServiceError
	if !errors.As(err, &svc) || svc.Status != 502 {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	var gen *GenerationError
	if errors.As(err, &gen) {
		t.Fatalf("conversion failure must not look like a generation failure")
	}

	tooLarge := &DistributionError{Template: "custom", Err: &PayloadTooLargeError{Size: 9 << 20, Limit: 8 << 20}}
	if !errors.Is(tooLarge, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge")
	}
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err  error
		want string
	}{
		"nil": {nil, ""},
		"validation": {
			&validation.Error{Issues: []validation.Issue{{Field: "objet"}}},
			"Veuillez remplir tous les champs obligatoires",
		},
		"generation timeout": {
			&GenerationError{Template: "custom", Err: &TimeoutError{Service: "generate", Err: context.DeadlineExceeded}},
			"La requête a pris trop de temps (timeout)",
		},
		"conversion service": {
			&ConversionError{Template: "custom", Err: &ServiceError{Service: "convert", Status: 500, Message: "down"}},
			"Erreur lors de la conversion PDF : Erreur serveur 500: down",
		},
		"distribution too large": {
			&DistributionError{Template: "custom", Err: &PayloadTooLargeError{Size: 10 << 20, Limit: 8 << 20}},
			"Le document est trop volumineux (10MB). Maximum: 8MB.",
		},
		"busy": {fmt.Errorf("x: %w", ErrBusy), "déjà en cours"},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := UserMessage(tc.err)
			if tc.want == "" {
				if got != "" {
					t.Fatalf("expected empty message, got %q", got)
				}
				return
			}
			if !strings.Contains(got, tc.want) {
				t.Fatalf("UserMessage = %q, want it to contain %q", got, tc.want)
			}
		})
	}
}

func TestArtifactBase64RoundTrip(t *testing.T) {
	t.Parallel()

	in := Artifact{Data: []byte("%PDF-1.7"), Filename: "a.pdf", ContentType: ContentTypePDF}
	out, err := ArtifactFromBase64(in.Base64(), "a.pdf", ContentTypePDF)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("artifact mismatch (-want +got):\n%s", diff)
	}
	if _, err := ArtifactFromBase64("!!", "x", ContentTypePDF); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestGenerateRequestPayload(t *testing.T) {
	t.Parallel()

	req := GenerateRequest{
		TemplateType: "designation",
		TemplateName: "Lettre de Désignation",
		Values:       map[string]string{"entreprise": "ACME"},
	}
	want := map[string]string{
		"templateType": "designation",
		"templateName": "Lettre de Désignation",
		"entreprise":   "ACME",
	}
	if diff := cmp.Diff(want, req.Payload()); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}
