package cache

import (
	"context"
	"fmt"
	"sync"
)

// Cache is the client-side key/value tier. It is advisory: the remote store
// stays the source of truth for anything it also holds.
type Cache interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Provenance tags a value with where it was read from.
type Provenance string

const (
	// Authoritative values come from the remote store.
	Authoritative Provenance = "authoritative"
	// Cached values are last-known local copies used when the remote read failed.
	Cached Provenance = "cached"
)

// LedgerKey returns the key of a student's used-id ledger for a region.
func LedgerKey(studentID, region string) string {
	return fmt.Sprintf("student:%s:region:%s:used_ids", studentID, region)
}

// QuotaKey returns the key of a student's last-known daily attempt count.
func QuotaKey(studentID string) string {
	return fmt.Sprintf("student:%s:quota", studentID)
}

// MistakesKey returns the key of a student's cached mistake set.
func MistakesKey(studentID string) string {
	return fmt.Sprintf("student:%s:mistakes", studentID)
}

// Memory is an in-process Cache.
type Memory struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}
