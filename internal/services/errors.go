package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExternalService marks failures of the external text-understanding
	// capability: timeouts, quota exhaustion, auth problems. Recoverable via
	// the local fallback analyzer, never fatal to the pipeline.
	ErrExternalService = errors.New("external service failure")
	// ErrSchemaViolation marks malformed external responses. Treated the same
	// as ErrExternalService for recovery purposes.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrParseAmbiguity marks low-confidence rule output that needs escalation.
	ErrParseAmbiguity = errors.New("parse ambiguity")
	// ErrRegistryConflict marks ambiguous character merges. Resolved by
	// deterministic tie-break and logged; never blocks processing.
	ErrRegistryConflict = errors.New("registry conflict")
	// ErrSynthesis marks speech engine errors, retried per job up to a limit.
	ErrSynthesis = errors.New("synthesis failure")
	// ErrConfiguration marks missing credentials or voice assignments. Blocks
	// only the affected units.
	ErrConfiguration = errors.New("configuration error")
	// ErrValidation marks invalid caller input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks lookups for unknown projects, segments, or characters.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks failures with no more specific classification.
	ErrTransient = errors.New("transient failure")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Recoverable reports whether the pipeline can absorb the error by falling
// back to rule-based or local-fallback classification.
func Recoverable(err error) bool {
	switch {
	case errors.Is(err, ErrExternalService),
		errors.Is(err, ErrSchemaViolation),
		errors.Is(err, ErrParseAmbiguity),
		errors.Is(err, ErrRegistryConflict):
		return true
	default:
		return false
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
