// Package errors provides standardized error handling patterns for oddstream components.
//
// # Overview
//
// The errors package implements a three-class error classification system:
// Transient (temporary, retryable), Invalid (bad input, non-retryable), and
// Fatal (unrecoverable, stop processing). Classification enables components to
// make retry and degradation decisions without string matching on error text.
//
// # Quick Start
//
// Use standard error variables for common conditions:
//
//	if !connected {
//	    return errors.ErrNoConnection
//	}
//
// Wrap errors with component context:
//
//	if err := store.Save(ctx, record); err != nil {
//	    return errors.WrapTransient(err, "Store", "Save", "persist record")
//	}
//
// Check classification for handling decisions:
//
//	if errors.IsTransient(err) {
//	    // safe to retry
//	}
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// The ClassifiedError type supports errors.Is, errors.As and Unwrap, so
// classification is preserved through wrapping chains.
//
// Business-rule rejections in the lifecycle engine (for example a disallowed
// state transition) are NOT errors in this taxonomy: they are returned as
// structured results by the lifecycle package. This package covers structural
// validation failures, storage failures, and component lifecycle faults.
package errors
