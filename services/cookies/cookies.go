// Package cookies issues and stores the per-user auth cookies the storage
// proxy expects on every request made on a user's behalf.
package cookies

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Store hands out one stable cookie value per user, creating it on first use.
type Store interface {
	GetOrCreate(ctx context.Context, userID string) (string, error)
}

// Memory is a process-local Store for tests and single-node deployments.
type Memory struct {
	mu      sync.Mutex
	cookies map[string]string
}

func NewMemory() *Memory {
	return &Memory{cookies: map[string]string{}}
}

func (m *Memory) GetOrCreate(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cookie, ok := m.cookies[userID]; ok {
		return cookie, nil
	}
	cookie := uuid.New().String()
	m.cookies[userID] = cookie
	return cookie, nil
}
