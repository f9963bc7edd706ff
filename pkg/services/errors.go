package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-docwizard/pkg/validation"
)

var (
	// ErrTimeout matches any call that exceeded its allotted time.
	ErrTimeout = errors.New("services: timeout")
	// ErrPayloadTooLarge matches payloads rejected before sending.
	ErrPayloadTooLarge = errors.New("services: payload too large")
	// ErrBusy is returned when an operation is already running for the
	// same session.
	ErrBusy = errors.New("services: operation already in progress")
)

// TimeoutError reports which collaborator timed out.
type TimeoutError struct {
	Service string
	After   time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("services: %s timed out after %s", e.Service, e.After)
	}
	return fmt.Sprintf("services: %s timed out", e.Service)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Timeout wraps err as a timeout of service when err stems from a context
// deadline. Other errors are returned unchanged.
func Timeout(service string, after time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Service: service, After: after, Err: err}
	}
	return err
}

// ServiceError is a non-2xx answer from a collaborator.
type ServiceError struct {
	Service string
	Status  int
	Message string
}

func (e *ServiceError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		return fmt.Sprintf("services: %s responded %d", e.Service, e.Status)
	}
	return fmt.Sprintf("services: %s responded %d: %s", e.Service, e.Status, msg)
}

// PayloadTooLargeError is computed client-side before anything is sent.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("services: payload of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// Is makes errors.Is(err, ErrPayloadTooLarge) hold.
func (e *PayloadTooLargeError) Is(target error) bool { return target == ErrPayloadTooLarge }

// GenerationError wraps failures of the generation stage.
type GenerationError struct {
	Template string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("services: generate %s: %v", e.Template, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ConversionError wraps failures of the conversion stage.
type ConversionError struct {
	Template string
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("services: convert %s: %v", e.Template, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// DistributionError wraps failures of the distribution stage.
type DistributionError struct {
	Template string
	Err      error
}

func (e *DistributionError) Error() string {
	return fmt.Sprintf("services: distribute %s: %v", e.Template, e.Err)
}

func (e *DistributionError) Unwrap() error { return e.Err }

// UserMessage turns any error of the engine into the single message shown
// to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var verr *validation.Error
	if errors.As(err, &verr) {
		return "Veuillez remplir tous les champs obligatoires (astérisque en rouge *) avant de générer le document"
	}
	if errors.Is(err, ErrBusy) {
		return "Une opération est déjà en cours, veuillez patienter."
	}

	var (
		genErr  *GenerationError
		convErr *ConversionError
		distErr *DistributionError
	)
	switch {
	case errors.As(err, &distErr):
		return "Erreur lors de l'envoi de l'email : " + detail(err, "L'envoi de l'email a pris trop de temps. Veuillez réessayer.")
	case errors.As(err, &convErr):
		return "Erreur lors de la conversion PDF : " + detail(err, "La conversion PDF a pris trop de temps. Veuillez réessayer.")
	case errors.As(err, &genErr):
		return "Erreur lors de la génération du document : " + detail(err, "La requête a pris trop de temps (timeout). Veuillez réessayer.")
	default:
		return "Erreur inconnue : " + detail(err, "La requête a pris trop de temps. Veuillez réessayer.")
	}
}

func detail(err error, timeout string) string {
	if errors.Is(err, ErrTimeout) {
		return timeout
	}
	var tooLarge *PayloadTooLargeError
	if errors.As(err, &tooLarge) {
		return fmt.Sprintf("Le document est trop volumineux (%dMB). Maximum: %dMB.",
			roundMB(tooLarge.Size), roundMB(tooLarge.Limit))
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		if msg := strings.TrimSpace(svcErr.Message); msg != "" {
			return fmt.Sprintf("Erreur serveur %d: %s", svcErr.Status, msg)
		}
		return fmt.Sprintf("Erreur serveur %d", svcErr.Status)
	}
	return err.Error()
}

func roundMB(size int) int {
	const mb = 1024 * 1024
	return (size + mb/2) / mb
}
