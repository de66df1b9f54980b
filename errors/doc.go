// Package errors provides standardized error handling for wsfeed components.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, the reconnect policy may retry),
// Invalid (bad input such as a malformed frame, never retried) and Fatal (the run is
// over). Classification survives wrapping, so errors.Is / errors.As keep working.
//
// # Connection Taxonomy
//
// The supervisor reports every failure through one of these sentinels:
//
//   - ErrConnect: the dial or the credential lookup before it failed
//   - ErrTransport: the live socket failed mid-session
//   - ErrPeerClose: the remote end closed the connection
//   - ErrDecode: one inbound frame could not be decoded; the connection stays up
//   - ErrShutdownRequested: the host asked for shutdown, no further attempts
//   - ErrReconnectLimitExceeded: the retry bound was reached, reported once
//
// Attach a sentinel to a concrete cause with Join:
//
//	err := errors.Join(errors.ErrConnect, dialErr)
//	errors.Is(err, errors.ErrConnect) // true
//	errors.Is(err, dialErr)           // true
//
// # Error Wrapping Pattern
//
// All wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Three wrappers set the class while wrapping:
//
//	errors.WrapTransient(err, "Supervisor", "dial", "connect")
//	errors.WrapInvalid(err, "codec", "Decode", "parse json")
//	errors.WrapFatal(err, "Supervisor", "run", "reconnect")
//
// The plain Wrap preserves whatever class the wrapped error already carries.
package errors
