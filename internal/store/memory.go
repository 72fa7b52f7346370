package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is the in-process Store used when no backend is configured, and
// the reference implementation of the snapshot-callback contract. Callbacks
// run synchronously on the mutating goroutine, one collection snapshot per
// mutation.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]map[string]json.RawMessage
	subs   map[int]*memSub
	nextID int
}

type memSub struct {
	collection string
	field      string
	equals     string
	match      bool
	fn         func(Snapshot)
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string]json.RawMessage),
		subs: make(map[int]*memSub),
	}
}

func (m *Memory) Read(ctx context.Context, path string) (json.RawMessage, error) {
	collection, key, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.data[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

func (m *Memory) Write(ctx context.Context, path string, value any) error {
	if value == nil {
		return m.Delete(ctx, path)
	}
	collection, key, err := SplitPath(path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]json.RawMessage)
	}
	m.data[collection][key] = raw
	m.mu.Unlock()
	m.notify(collection)
	return nil
}

func (m *Memory) Patch(ctx context.Context, path string, fields map[string]any) error {
	collection, key, err := SplitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	merged, err := mergeFields(m.data[collection][key], fields)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]json.RawMessage)
	}
	m.data[collection][key] = merged
	m.mu.Unlock()
	m.notify(collection)
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	collection, key, err := SplitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	_, existed := m.data[collection][key]
	delete(m.data[collection], key)
	m.mu.Unlock()
	if existed {
		m.notify(collection)
	}
	return nil
}

func (m *Memory) Subscribe(collection string, fn func(Snapshot)) (CancelFunc, error) {
	return m.subscribe(&memSub{collection: collection, fn: fn})
}

func (m *Memory) SubscribeMatch(collection, field, equals string, fn func(Snapshot)) (CancelFunc, error) {
	return m.subscribe(&memSub{collection: collection, field: field, equals: equals, match: true, fn: fn})
}

func (m *Memory) subscribe(s *memSub) (CancelFunc, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = s
	initial := m.snapshotLocked(s.collection)
	m.mu.Unlock()

	if s.match {
		initial = filterMatch(initial, s.field, s.equals)
	}
	s.fn(initial)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
	return cancel, nil
}

func (m *Memory) Query(ctx context.Context, collection, field, equals string) (Snapshot, error) {
	m.mu.RLock()
	snap := m.snapshotLocked(collection)
	m.mu.RUnlock()
	return filterMatch(snap, field, equals), nil
}

func (m *Memory) GenerateKey(collection string) string { return NewKey() }

func (m *Memory) snapshotLocked(collection string) Snapshot {
	snap := make(Snapshot, len(m.data[collection]))
	for k, v := range m.data[collection] {
		snap[k] = v
	}
	return snap
}

func (m *Memory) notify(collection string) {
	m.mu.RLock()
	snap := m.snapshotLocked(collection)
	targets := make([]*memSub, 0, len(m.subs))
	for _, s := range m.subs {
		if s.collection == collection {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()
	for _, s := range targets {
		if s.match {
			s.fn(filterMatch(snap, s.field, s.equals))
		} else {
			s.fn(snap)
		}
	}
}
