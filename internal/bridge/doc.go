// Package bridge performs outbound HTTP on behalf of sandboxed extensions.
//
// A request naming a connection gets its auth header rendered from the
// connection's stored secrets, but only when the target hostname appears on
// the connection's allow-list; the check runs before any network traffic.
// A 401/403 answer demotes the connection to error status so subsequent
// calls fail fast with a structured connection error.
package bridge
