// Package errors provides the error taxonomy for the live-query engine.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input, non-retryable) and Fatal (unrecoverable). Nothing inside the
// engine produces Fatal errors on its own; the class exists for configuration
// loading in the command layer.
//
// The engine maps its failure modes onto the classes as follows:
//
//   - Connectivity (relay unreachable, connect timeout): Transient. Logged and
//     retried on the next reconnect tick.
//   - Malformed filter (non-numeric kind on a query directive): Invalid. The
//     one query is skipped and the rest of the document keeps rendering.
//   - Correlation/parsing (result payload not in the expected shape): Invalid.
//     The call is marked resolved-with-processing-error and not retried.
//   - Argument substitution (payload not valid JSON after substitution):
//     Invalid. Surfaced as a notification and the action is aborted before any
//     network call.
//   - Publish (no relay accepted the event): Transient, and the only error
//     returned to the caller of Publish or Call.
//
// # Wrapping
//
// Wrap errors with component context:
//
//	if err := conn.Publish(ctx, ev); err != nil {
//	    return errors.WrapTransient(err, "Pool", "Publish", "send event")
//	}
//
// The wrapped message follows "component.method: action failed: cause", and
// errors.Is still matches the sentinel at the bottom of the chain.
package errors
