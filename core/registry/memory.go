// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memRecord struct {
	value   []byte
	expires time.Time
}

// MemoryStore is the in process Store fed by gossip.
type MemoryStore struct {
	sync.Mutex

	records map[string]memRecord
	sets    map[string]map[string]struct{}
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memRecord),
		sets:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.Lock()
	defer m.Unlock()
	m.now = now
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.Lock()
	defer m.Unlock()
	m.records[key] = memRecord{value: append([]byte(nil), value...), expires: m.now().Add(ttl)}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.Lock()
	defer m.Unlock()
	r, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.now().Before(r.expires) {
		delete(m.records, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), r.value...), nil
}

// AddMember implements Store.
func (m *MemoryStore) AddMember(_ context.Context, registry, member string) error {
	m.Lock()
	defer m.Unlock()
	s, ok := m.sets[registry]
	if !ok {
		s = make(map[string]struct{})
		m.sets[registry] = s
	}
	s[member] = struct{}{}
	return nil
}

// RemoveMember implements Store.
func (m *MemoryStore) RemoveMember(_ context.Context, registry, member string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.sets[registry], member)
	return nil
}

// Members implements Store.
func (m *MemoryStore) Members(_ context.Context, registry string) ([]string, error) {
	m.Lock()
	defer m.Unlock()
	out := make([]string, 0, len(m.sets[registry]))
	for k := range m.sets[registry] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Prune removes expired records and returns how many were dropped.
func (m *MemoryStore) Prune() int {
	m.Lock()
	defer m.Unlock()
	now := m.now()
	n := 0
	for k, r := range m.records {
		if !now.Before(r.expires) {
			delete(m.records, k)
			n++
		}
	}
	return n
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
