package domain

import (
	"errors"
	"fmt"
)

// Error types for classifying failures across the evaluation pipeline.

// ConfigurationError is fatal: the process is wired wrong (for example an
// embedding dimension that does not match the vector index). Never retried.
type ConfigurationError struct {
	err error
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.err.Error() }

func (e *ConfigurationError) Unwrap() error { return e.err }

// NewConfigurationError wraps err as a fatal configuration error.
func NewConfigurationError(err error) error {
	return &ConfigurationError{err: err}
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// TransientServiceError marks a failed call to the embedding, judgment or index service.
type TransientServiceError struct {
	Service string
	err     error
}

func (e *TransientServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.err)
}

func (e *TransientServiceError) Unwrap() error { return e.err }

// NewTransientServiceError wraps err as a transient failure of the named service.
func NewTransientServiceError(service string, err error) error {
	return &TransientServiceError{Service: service, err: err}
}

// IsTransient reports whether err is (or wraps) a TransientServiceError.
func IsTransient(err error) bool {
	var target *TransientServiceError
	return errors.As(err, &target)
}

// NotFoundError reports a missing Control, ControlGroup, Framework or Policy.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// NewNotFoundError builds a NotFoundError for the given entity kind and id.
func NewNotFoundError(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// ParseError reports a judgment-service answer that did not match the expected schema.
type ParseError struct {
	Raw string
	err error
}

func (e *ParseError) Error() string { return "parse: " + e.err.Error() }

func (e *ParseError) Unwrap() error { return e.err }

// NewParseError wraps err, keeping the raw response for diagnostics.
func NewParseError(raw string, err error) error {
	return &ParseError{Raw: raw, err: err}
}

// IsParse reports whether err is (or wraps) a ParseError.
func IsParse(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}

// EmbeddingError is returned by embedders for blank input or an upstream failure.
type EmbeddingError struct {
	err error
}

func (e *EmbeddingError) Error() string { return "embedding: " + e.err.Error() }

func (e *EmbeddingError) Unwrap() error { return e.err }

// NewEmbeddingError wraps err as an embedding failure.
func NewEmbeddingError(err error) error {
	return &EmbeddingError{err: err}
}

// IsEmbedding reports whether err is (or wraps) an EmbeddingError.
func IsEmbedding(err error) bool {
	var target *EmbeddingError
	return errors.As(err, &target)
}

// ErrEmptyText is wrapped by EmbeddingError when the input has no content.
var ErrEmptyText = errors.New("empty or whitespace-only text")
