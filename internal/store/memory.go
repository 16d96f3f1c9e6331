package store

import (
	"context"
	"sync"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
)

// Memory keeps the encoded snapshot in process memory. Values go through the
// same codec as the durable backends, so loads never alias saved jobs.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(_ context.Context) (domain.Snapshot, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()
	if len(data) == 0 {
		return domain.Snapshot{}, nil
	}
	return Decode("memory", data)
}

func (m *Memory) Save(_ context.Context, snap domain.Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

// Raw returns the stored bytes.
func (m *Memory) Raw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// SetRaw replaces the stored bytes, e.g. to seed a corrupt value.
func (m *Memory) SetRaw(data []byte) {
	m.mu.Lock()
	m.data = append([]byte(nil), data...)
	m.mu.Unlock()
}
