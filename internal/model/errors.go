package model

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Sentinels for job and fact retrieval.
var (
	ErrJobNotFound      = eris.New("export job not found")
	ErrArtifactNotReady = eris.New("export artifact not ready")
	ErrFactNotFound     = eris.New("fact not found")
)

// ValidationError reports malformed caller input (bad ingest batch,
// unknown export kind, missing identifiers). Surfaced to the caller.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// MissingDataError marks a fact absent from a snapshot. Derivations
// degrade the affected position to null instead of surfacing this.
type MissingDataError struct {
	Entity   string
	Period   string
	Scenario string
	LineItem string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("missing fact %q for %s/%s/%s", e.LineItem, e.Entity, e.Period, e.Scenario)
}

// ComputationError wraps a formula failure. The affected metric
// degrades to null; sibling metrics are unaffected.
type ComputationError struct {
	Key string
	Err error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("computing %q: %v", e.Key, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

// RegistrationError rejects an invalid metric definition: a dependency
// cycle, an unknown input reference, or a conflicting redefinition of
// an existing (key, version). Always a startup-time failure.
type RegistrationError struct {
	Key string
	Msg string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registering %q: %s", e.Key, e.Msg)
}

// ReconciliationError reports a variance bridge whose driver deltas do
// not sum to the endpoint change. The bridge itself is still returned;
// the error flags the underlying data defect.
type ReconciliationError struct {
	Target     string
	PeriodFrom string
	PeriodTo   string
	Gap        float64
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("bridge for %q %s..%s does not reconcile: gap %g", e.Target, e.PeriodFrom, e.PeriodTo, e.Gap)
}
