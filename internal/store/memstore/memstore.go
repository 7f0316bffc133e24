// Package memstore is an in-memory store.Store reference implementation,
// grounded on the source daemon's RWMutex-guarded-map-with-clone-on-
// access pattern: every table is a plain map guarded by one RWMutex, and
// every read returns a defensive copy so callers can't mutate state
// behind the store's back.
package memstore

import (
	"sync"

	"github.com/embedthis/ioto-core/internal/store"
)

// Store is an in-memory implementation of store.Store, suitable for
// tests and for devices configured with no durable database.
type Store struct {
	mu       sync.RWMutex
	tables   map[string]map[string]store.Item
	onChange []store.ChangeProc
}

// New returns an empty Store.
func New() *Store {
	return &Store{tables: make(map[string]map[string]store.Item)}
}

func cloneItem(item store.Item) store.Item {
	if item == nil {
		return nil
	}
	out := make(store.Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (s *Store) Get(table, key string) (store.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.tables[table]
	if !ok {
		return nil, false
	}
	item, ok := rows[key]
	if !ok {
		return nil, false
	}
	return cloneItem(item), true
}

func (s *Store) Each(table string, proc store.EachProc) {
	s.mu.RLock()
	rows, ok := s.tables[table]
	if !ok {
		s.mu.RUnlock()
		return
	}
	snapshot := make(map[string]store.Item, len(rows))
	for k, v := range rows {
		snapshot[k] = cloneItem(v)
	}
	s.mu.RUnlock()

	for k, v := range snapshot {
		if !proc(k, v) {
			return
		}
	}
}

func (s *Store) Field(table, key, field string) (any, bool) {
	item, ok := s.Get(table, key)
	if !ok {
		return nil, false
	}
	v, ok := item[field]
	return v, ok
}

func (s *Store) Upsert(table, key string, item store.Item) error {
	s.mu.Lock()
	rows, ok := s.tables[table]
	if !ok {
		rows = make(map[string]store.Item)
		s.tables[table] = rows
	}
	rows[key] = cloneItem(item)
	callbacks := append([]store.ChangeProc(nil), s.onChange...)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(table, store.ChangeUpsert, key, item)
	}
	return nil
}

func (s *Store) Remove(table, key string) error {
	s.mu.Lock()
	rows, ok := s.tables[table]
	if ok {
		delete(rows, key)
	}
	callbacks := append([]store.ChangeProc(nil), s.onChange...)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(table, store.ChangeRemove, key, nil)
	}
	return nil
}

func (s *Store) OnChange(proc store.ChangeProc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, proc)
}

var _ store.Store = (*Store)(nil)
