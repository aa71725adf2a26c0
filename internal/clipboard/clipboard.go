package clipboard

import "sync"

// Writer is the host clipboard collaborator. The default implementation
// keeps the last written text in memory; host integrators supply a real
// platform binding.
type Writer interface {
	WriteText(text string) error
}

// Memory is an in-memory Writer.
type Memory struct {
	mu   sync.Mutex
	last string
}

// NewMemory creates an in-memory clipboard.
func NewMemory() *Memory {
	return &Memory{}
}

// WriteText records the text.
func (m *Memory) WriteText(text string) error {
	m.mu.Lock()
	m.last = text
	m.mu.Unlock()
	return nil
}

// Last returns the most recent write. Test use.
func (m *Memory) Last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
