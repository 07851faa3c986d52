package blobstore

import (
	"context"
	"sync"
)

type cellKey struct {
	table, row, family, qualifier string
}

// Memory is an in-process Store, safe for concurrent use. It backs
// development mode and the test suite; the on-the-wire Accumulo proxy
// client is out of scope (§1) and has no home in the retrieved example
// corpus, so no third-party client is wired in its place.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]bool
	cells  map[cellKey][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		tables: map[string]bool{},
		cells:  map[cellKey][]byte{},
	}
}

func (m *Memory) EnsureTable(_ context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = true
	return nil
}

func (m *Memory) Put(_ context.Context, table, row, family, qualifier string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), value...)
	m.cells[cellKey{table, row, family, qualifier}] = cp
	return nil
}

func (m *Memory) Get(_ context.Context, table, row, family, qualifier string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.cells[cellKey{table, row, family, qualifier}]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Delete(_ context.Context, table, row, family, qualifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cells, cellKey{table, row, family, qualifier})
	return nil
}

func (m *Memory) DeleteRow(_ context.Context, table, row, family string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.cells {
		if k.table == table && k.row == row && k.family == family {
			delete(m.cells, k)
		}
	}
	return nil
}

func (m *Memory) RowExists(_ context.Context, table, row, family string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k := range m.cells {
		if k.table == table && k.row == row && k.family == family {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ScanQualifier(_ context.Context, table, family, qualifier string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string][]byte{}
	for k, v := range m.cells {
		if k.table == table && k.family == family && k.qualifier == qualifier {
			out[k.row] = append([]byte(nil), v...)
		}
	}
	return out, nil
}
