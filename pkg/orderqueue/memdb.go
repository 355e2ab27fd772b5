package orderqueue

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/luxfi/database"
)

// memDB is a map-backed database.Database for tests and ephemeral
// deployments that don't need the queue to survive a restart.
type memDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemDB returns an in-memory database.
func NewMemDB() database.Database {
	return &memDB{data: make(map[string][]byte)}
}

func (m *memDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[string(key)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return val, nil
}

func (m *memDB) Put(key []byte, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

func (m *memDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *memDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *memDB) Close() error { return nil }

func (m *memDB) Compact(start []byte, limit []byte) error { return nil }

func (m *memDB) NewBatch() database.Batch {
	return &memBatch{db: m}
}

func (m *memDB) NewIterator() database.Iterator { return m.newIterator(nil, nil) }

func (m *memDB) NewIteratorWithStart(start []byte) database.Iterator {
	return m.newIterator(start, nil)
}

func (m *memDB) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	return m.newIterator(nil, prefix)
}

func (m *memDB) NewIteratorWithStartAndPrefix(start, prefix []byte) database.Iterator {
	return m.newIterator(start, prefix)
}

// newIterator snapshots the matching keys in sorted order; later writes are
// not observed by an open iterator.
func (m *memDB) newIterator(start, prefix []byte) database.Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if len(prefix) > 0 && !strings.HasPrefix(k, string(prefix)) {
			continue
		}
		if len(start) > 0 && k < string(start) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	it := &memIterator{cursor: -1}
	for _, k := range keys {
		it.keys = append(it.keys, []byte(k))
		it.values = append(it.values, m.data[k])
	}
	return it
}

type memIterator struct {
	keys   [][]byte
	values [][]byte
	cursor int
}

func (it *memIterator) Next() bool {
	if it.cursor < len(it.keys) {
		it.cursor++
	}
	return it.cursor < len(it.keys)
}

func (it *memIterator) Error() error { return nil }

func (it *memIterator) Key() []byte {
	if it.cursor < 0 || it.cursor >= len(it.keys) {
		return nil
	}
	return it.keys[it.cursor]
}

func (it *memIterator) Value() []byte {
	if it.cursor < 0 || it.cursor >= len(it.values) {
		return nil
	}
	return it.values[it.cursor]
}

func (it *memIterator) Release() {
	it.keys = nil
	it.values = nil
	it.cursor = 0
}

func (m *memDB) HealthCheck(ctx context.Context) (interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{"type": "memDB", "size": len(m.data)}, nil
}

type memBatch struct {
	db  *memDB
	ops []memBatchOp
}

type memBatchOp struct {
	delete bool
	key    []byte
	value  []byte
}

func (b *memBatch) Put(key, value []byte) error {
	b.ops = append(b.ops, memBatchOp{key: key, value: value})
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.ops = append(b.ops, memBatchOp{delete: true, key: key})
	return nil
}

func (b *memBatch) ValueSize() int {
	size := 0
	for _, op := range b.ops {
		size += len(op.value)
	}
	return size
}

func (b *memBatch) Size() int {
	size := 0
	for _, op := range b.ops {
		size += len(op.key) + len(op.value)
	}
	return size
}

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.delete {
			delete(b.db.data, string(op.key))
		} else {
			b.db.data[string(op.key)] = op.value
		}
	}
	return nil
}

func (b *memBatch) Reset() { b.ops = b.ops[:0] }

func (b *memBatch) Replay(w database.KeyValueWriterDeleter) error {
	for _, op := range b.ops {
		if op.delete {
			if err := w.Delete(op.key); err != nil {
				return err
			}
		} else {
			if err := w.Put(op.key, op.value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *memBatch) Inner() database.Batch { return b }
