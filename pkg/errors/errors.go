// Package errors provides the error and warning taxonomy for the MOFA2
// library. Errors carry structured fields and cockroachdb stack traces and
// can marshal themselves into zerolog events for structured logging.
package errors

import (
	"fmt"
	"log"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	Global warning handling
//
// ===========================================================================

var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		log.Printf("MOFA2-Warning: %v\n", w)
	}
	// zerolog sink, injected lazily to avoid an import cycle with pkg/log.
	zerologWarnFunc func(warning error)
)

// SetWarningHandler sets the library-wide warning handler. Use it to
// control how non-fatal conditions such as ConvergenceWarning are reported.
//
// Example:
//
//	errors.SetWarningHandler(func(w error) {
//	    // drop warnings
//	})
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc installs a zerolog-backed warning sink.
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// Warn emits a warning through the zerolog sink when one is installed,
// falling back to the plain handler otherwise.
func Warn(w error) {
	warningMutex.Lock()
	defer warningMutex.Unlock()

	if zerologWarnFunc != nil {
		zerologWarnFunc(w)
		return
	}
	if warningHandler != nil {
		warningHandler(w)
	}
}

// ===========================================================================
//
//	Warning types
//
// ===========================================================================

// ConvergenceWarning is emitted when training stops at the iteration or
// wall-clock cap without reaching the configured ELBO tolerance.
// Non-convergence is a diagnostic, never a fatal error.
type ConvergenceWarning struct {
	Algorithm  string
	Iterations int
	Message    string
}

func (w *ConvergenceWarning) Error() string {
	if w.Message != "" {
		return fmt.Sprintf("%s did not converge after %d iterations: %s", w.Algorithm, w.Iterations, w.Message)
	}
	return fmt.Sprintf("%s did not converge after %d iterations. Consider a slower convergence mode or a higher iteration cap.", w.Algorithm, w.Iterations)
}

// MarshalZerologObject adds the structured warning fields to a zerolog event.
func (w *ConvergenceWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("algorithm", w.Algorithm).
		Int("iterations", w.Iterations).
		Str("message", w.Message).
		Str("type", "ConvergenceWarning")
}

// NewConvergenceWarning creates a new ConvergenceWarning.
func NewConvergenceWarning(algorithm string, iterations int, message string) *ConvergenceWarning {
	return &ConvergenceWarning{Algorithm: algorithm, Iterations: iterations, Message: message}
}

// ===========================================================================
//
//	Input and shape errors
//
// ===========================================================================

// InvalidShapeError reports a view whose sample axis cannot be reconciled
// with the group assignment, or any other dimensional inconsistency in the
// input data.
type InvalidShapeError struct {
	Op       string
	View     string
	Expected []int
	Got      []int
	Reason   string
}

func (e *InvalidShapeError) Error() string {
	if e.View != "" {
		return fmt.Sprintf("mofa2: %s: invalid shape for view %q: %s (expected %v, got %v)",
			e.Op, e.View, e.Reason, e.Expected, e.Got)
	}
	return fmt.Sprintf("mofa2: %s: invalid shape: %s (expected %v, got %v)", e.Op, e.Reason, e.Expected, e.Got)
}

// MarshalZerologObject adds the structured error fields to a zerolog event.
func (e *InvalidShapeError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Str("view", e.View).
		Ints("expected", e.Expected).
		Ints("got", e.Got).
		Str("reason", e.Reason).
		Str("type", "InvalidShapeError")
}

// NewInvalidShapeError creates an InvalidShapeError with a stack trace.
func NewInvalidShapeError(op, view, reason string, expected, got []int) error {
	err := &InvalidShapeError{Op: op, View: view, Reason: reason, Expected: expected, Got: got}
	return errors.WithStack(err)
}

// ConfigMismatchError reports a configuration that fails cross-validation
// against the data container at freeze time.
type ConfigMismatchError struct {
	Field  string
	Reason string
	Value  interface{}
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("mofa2: config mismatch for %q: %s (got: %v)", e.Field, e.Reason, e.Value)
}

// MarshalZerologObject adds the structured error fields to a zerolog event.
func (e *ConfigMismatchError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("field", e.Field).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ConfigMismatchError")
}

// NewConfigMismatchError creates a ConfigMismatchError with a stack trace.
func NewConfigMismatchError(field, reason string, value interface{}) error {
	err := &ConfigMismatchError{Field: field, Reason: reason, Value: value}
	return errors.WithStack(err)
}

// ===========================================================================
//
//	Training errors
//
// ===========================================================================

// NumericalDivergenceError reports an ELBO decrease beyond tolerance that
// persisted through a damped retry. The run that produced it is identified
// so multi-restart fits can report which restart failed.
type NumericalDivergenceError struct {
	RunID     string
	Iteration int
	Delta     float64
}

func (e *NumericalDivergenceError) Error() string {
	return fmt.Sprintf("mofa2: ELBO diverged at iteration %d (delta %.6g) in run %s after damped retry",
		e.Iteration, e.Delta, e.RunID)
}

// MarshalZerologObject adds the structured error fields to a zerolog event.
func (e *NumericalDivergenceError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("run_id", e.RunID).
		Int("iteration", e.Iteration).
		Float64("delta", e.Delta).
		Str("type", "NumericalDivergenceError")
}

// NewNumericalDivergenceError creates a NumericalDivergenceError with a stack trace.
func NewNumericalDivergenceError(runID string, iteration int, delta float64) error {
	err := &NumericalDivergenceError{RunID: runID, Iteration: iteration, Delta: delta}
	return errors.WithStack(err)
}

// NoFactorsRemainingError reports that automatic relevance determination
// pruned every factor from the model.
type NoFactorsRemainingError struct {
	Iteration int
	Threshold float64
}

func (e *NoFactorsRemainingError) Error() string {
	return fmt.Sprintf("mofa2: all factors pruned at iteration %d (drop threshold %g); lower the threshold or reduce the factor count",
		e.Iteration, e.Threshold)
}

// MarshalZerologObject adds the structured error fields to a zerolog event.
func (e *NoFactorsRemainingError) MarshalZerologObject(event *zerolog.Event) {
	event.Int("iteration", e.Iteration).
		Float64("threshold", e.Threshold).
		Str("type", "NoFactorsRemainingError")
}

// NewNoFactorsRemainingError creates a NoFactorsRemainingError with a stack trace.
func NewNoFactorsRemainingError(iteration int, threshold float64) error {
	err := &NoFactorsRemainingError{Iteration: iteration, Threshold: threshold}
	return errors.WithStack(err)
}

// ===========================================================================
//
//	Persistence and query errors
//
// ===========================================================================

// CorruptArtifactError reports a persisted artifact that cannot be loaded:
// wrong magic, unsupported version, checksum mismatch or truncated payload.
type CorruptArtifactError struct {
	Path   string
	Reason string
}

func (e *CorruptArtifactError) Error() string {
	return fmt.Sprintf("mofa2: corrupt artifact %q: %s", e.Path, e.Reason)
}

// MarshalZerologObject adds the structured error fields to a zerolog event.
func (e *CorruptArtifactError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("path", e.Path).
		Str("reason", e.Reason).
		Str("type", "CorruptArtifactError")
}

// NewCorruptArtifactError creates a CorruptArtifactError with a stack trace.
func NewCorruptArtifactError(path, reason string) error {
	err := &CorruptArtifactError{Path: path, Reason: reason}
	return errors.WithStack(err)
}

// NotFoundError reports a query for a view, group, factor, sample or
// feature outside the fitted model's known set. No default is substituted.
type NotFoundError struct {
	Kind string // "view", "group", "factor", "sample", "feature"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("mofa2: unknown %s %q", e.Kind, e.Name)
}

// MarshalZerologObject adds the structured error fields to a zerolog event.
func (e *NotFoundError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("kind", e.Kind).
		Str("name", e.Name).
		Str("type", "NotFoundError")
}

// NewNotFoundError creates a NotFoundError with a stack trace.
func NewNotFoundError(kind, name string) error {
	err := &NotFoundError{Kind: kind, Name: name}
	return errors.WithStack(err)
}

// NotFittedError reports use of a model that has not been fitted yet.
type NotFittedError struct {
	ModelName string
	Method    string
}

func (e *NotFittedError) Error() string {
	return fmt.Sprintf("mofa2: %s: this model is not fitted yet. Call Fit() before using %s()", e.ModelName, e.Method)
}

// MarshalZerologObject adds the structured error fields to a zerolog event.
func (e *NotFittedError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("model_name", e.ModelName).
		Str("method", e.Method).
		Str("type", "NotFittedError")
}

// NewNotFittedError creates a NotFittedError with a stack trace.
func NewNotFittedError(modelName, method string) error {
	err := &NotFittedError{ModelName: modelName, Method: method}
	return errors.WithStack(err)
}

// ===========================================================================
//
//	cockroachdb/errors wrappers
//
// ===========================================================================

// Is reports whether err matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with a message.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New creates a new error with a stack trace.
func New(message string) error {
	return errors.New(message)
}

// Newf creates a new formatted error with a stack trace.
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack annotates err with a stack trace.
func WithStack(err error) error {
	return errors.WithStack(err)
}

// ===========================================================================
//
//	Common error values
//
// ===========================================================================

var (
	// ErrEmptyData is returned when an empty matrix or container is supplied.
	ErrEmptyData = New("empty data")

	// ErrFrozenConfig is returned when a prepared configuration is mutated.
	ErrFrozenConfig = New("configuration is frozen")
)
