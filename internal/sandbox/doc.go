/*
Package sandbox runs untrusted extension code inside isolated goja realms.

# Overview

Each extension instance gets one Realm: a goja VM owned by a dedicated
goroutine. The host and the realm share no memory; every interaction is a
JSON envelope handed over a channel pair. Inside the VM a bootstrap script
builds the extension-facing api object, correlates requests with responses,
and dispatches host-initiated calls (command/tool invocation, UI actions,
deactivation) to locally registered handlers.

# Security Model

Sandboxed code cannot:
  - Access the filesystem or network directly
  - Reach Node.js globals (require, process, module)
  - Run past the per-delivery execution timeout (interrupt-based)

Every effect an extension wants goes out as a request envelope and is
capability-checked by the host before anything happens.
*/
package sandbox
