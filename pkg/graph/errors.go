package graph

import (
	"errors"
	"fmt"
)

// Error kinds classify pipeline failures and drive retry behavior: input and
// extraction errors are never retried, persistence errors are retried with
// backoff, translation errors degrade to the fixed no-answer response.
type ErrorKind string

const (
	ErrKindInput            ErrorKind = "INPUT"
	ErrKindExtraction       ErrorKind = "EXTRACTION"
	ErrKindPersistence      ErrorKind = "PERSISTENCE"
	ErrKindQueryTranslation ErrorKind = "QUERY_TRANSLATION"
	ErrKindCorrectionApply  ErrorKind = "CORRECTION_APPLY"
)

// PipelineError carries the failure class alongside the underlying cause
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewInputError marks a malformed document, rule or question
func NewInputError(format string, args ...interface{}) error {
	return &PipelineError{Kind: ErrKindInput, Err: fmt.Errorf(format, args...)}
}

// NewExtractionError marks a recognizer or extractor failure
func NewExtractionError(err error) error {
	return &PipelineError{Kind: ErrKindExtraction, Err: err}
}

// NewPersistenceError marks a store failure that is safe to retry
func NewPersistenceError(err error) error {
	return &PipelineError{Kind: ErrKindPersistence, Err: err}
}

// NewQueryTranslationError marks a question that could not be mapped to a scoped query
func NewQueryTranslationError(format string, args ...interface{}) error {
	return &PipelineError{Kind: ErrKindQueryTranslation, Err: fmt.Errorf(format, args...)}
}

// NewCorrectionApplyError marks a correction patch that could not be applied
func NewCorrectionApplyError(err error) error {
	return &PipelineError{Kind: ErrKindCorrectionApply, Err: err}
}

// KindOf returns the error kind, or empty string for unclassified errors
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Retryable reports whether the failure is transient per the error taxonomy
func Retryable(err error) bool {
	return KindOf(err) == ErrKindPersistence
}
