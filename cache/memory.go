package cache

import (
	"context"
	"sync"
)

// MemStorage keeps all partitions in memory.
type MemStorage struct {
	mutex      *sync.RWMutex
	order      []string
	partitions map[string]*memPartition
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:      &sync.RWMutex{},
		partitions: make(map[string]*memPartition),
	}
}

func (m *MemStorage) Open(_ context.Context, name string) (Partition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if p, ok := m.partitions[name]; ok {
		return p, nil
	}
	p := &memPartition{
		name:    name,
		mutex:   &sync.RWMutex{},
		entries: make(map[string]Entry),
	}
	m.partitions[name] = p
	m.order = append(m.order, name)
	return p, nil
}

func (m *MemStorage) Has(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.partitions[name]
	return ok, nil
}

func (m *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.partitions[name]; !ok {
		return false, nil
	}
	delete(m.partitions, name)
	m.order = remove(m.order, name)
	return true, nil
}

func (m *MemStorage) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *MemStorage) Close() error {
	return nil
}

type memPartition struct {
	name    string
	mutex   *sync.RWMutex
	keys    []string
	entries map[string]Entry
}

func (p *memPartition) Name() string {
	return p.name
}

func (p *memPartition) Match(_ context.Context, key string) (Entry, bool, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	entry, ok := p.entries[key]
	return entry, ok, nil
}

func (p *memPartition) Put(_ context.Context, entry Entry) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if _, ok := p.entries[entry.Key]; ok {
		p.keys = remove(p.keys, entry.Key)
	}
	p.keys = append(p.keys, entry.Key)
	p.entries[entry.Key] = entry
	return nil
}

func (p *memPartition) Delete(_ context.Context, key string) (bool, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if _, ok := p.entries[key]; !ok {
		return false, nil
	}
	delete(p.entries, key)
	p.keys = remove(p.keys, key)
	return true, nil
}

func (p *memPartition) Keys(_ context.Context) ([]string, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return append([]string(nil), p.keys...), nil
}

func remove(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
