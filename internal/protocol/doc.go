// Package protocol defines the message envelope crossing the sandbox
// boundary and the validation that forms the cross-realm trust boundary.
//
// Three message shapes exist: request, response, and event. Every request
// eventually produces exactly one response carrying the same requestId, or
// is dropped on disposal. Envelopes failing any identity check (channel,
// instance id, direction, kind-specific shape) are silently ignored.
package protocol
