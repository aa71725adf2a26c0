// Package id provides centralized ID generation for the extension host.
//
// Instance and subscription ids are prefixed ULIDs: lexicographically
// sortable, readable in logs, and collision-free across host restarts.
// Request correlation ids are deliberately not ULIDs; each side of the
// sandbox boundary numbers its own requests with a monotonic counter, which
// is sufficient for the expected volume and keeps envelopes cheap.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// InstanceID identifies one sandboxed extension instance
type InstanceID string

// SubscriptionID identifies one agent-event subscription
type SubscriptionID string

func (id InstanceID) String() string     { return string(id) }
func (id SubscriptionID) String() string { return string(id) }

const (
	instancePrefix     = "inst"
	subscriptionPrefix = "sub"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator with secure entropy
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewInstanceID generates a new extension instance ID
func NewInstanceID() InstanceID {
	return InstanceID(Default().GenerateWithPrefix(instancePrefix))
}

// NewSubscriptionID generates a new agent-event subscription ID
func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(Default().GenerateWithPrefix(subscriptionPrefix))
}

// RequestCounter issues monotonic correlation ids for one side of the
// sandbox boundary. The prefix distinguishes host-issued ("h") from
// sandbox-issued ("s") ids so logs stay readable when both appear.
type RequestCounter struct {
	prefix string
	n      atomic.Uint64
}

// NewRequestCounter creates a counter with the given side prefix.
func NewRequestCounter(prefix string) *RequestCounter {
	return &RequestCounter{prefix: prefix}
}

// Next returns the next correlation id.
func (c *RequestCounter) Next() string {
	return fmt.Sprintf("%s-%d", c.prefix, c.n.Add(1))
}
