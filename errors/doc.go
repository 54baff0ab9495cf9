// Package errors provides standardized error handling for cerebro components.
//
// # Overview
//
// The package implements the error taxonomy the dispatch engine acts on.
// Each class names the recovery path the error drives:
//
//   - Connection: the producer's session is gone; backoff and reconnect.
//   - Transient: one read or poll failed; count it against the producer's
//     consecutive-failure threshold but stay connected.
//   - Write: a sink backend write failed; requeue and retry from the buffer.
//   - NotFound: a control operation named an unknown component; report it.
//   - Protocol: a malformed control request; report and close the connection.
//   - Fatal: a construction-time defect; abort startup.
//
// Classification integrates with Go's standard error handling: errors.Is,
// errors.As, and wrapping chains all preserve the class.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Use the class-aware wrappers at the point where the class is known:
//
//	if err := conn.SetReadDeadline(deadline); err != nil {
//	    return errors.WrapConnection(err, "tcptext", "ReadOrWait", "set deadline")
//	}
//
// Downstream code branches on predicates, never on message content:
//
//	if errors.IsConnection(err) {
//	    // tear down the session and re-enter CONNECTING
//	} else if errors.IsTransient(err) {
//	    // record and count toward the failure threshold
//	}
//
// Unclassified errors default to transient so an unknown failure is retried
// rather than escalated.
package errors
