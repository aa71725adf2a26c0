// Package uitree converts untrusted UI trees produced inside the sandbox
// into bounded, allow-listed projections safe to render.
//
// The walk enforces explicit budgets (depth, node count, text length, class
// tokens) with a shared counter threaded through recursion, so hostile input
// cannot exhaust the host's stack or memory. Rendering builds escaped HTML
// only; there is no raw-markup path.
package uitree
