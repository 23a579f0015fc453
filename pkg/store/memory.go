package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type memoryRecord struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
	indexes   []Index
}

func (r *memoryRecord) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && now.After(r.expiresAt)
}

// MemoryStore is an in-process KV implementation. Expired records are
// filtered on read and purged by a background sweeper.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]*memoryRecord            // namespace -> key -> record
	indexes map[string]map[string]map[string]struct{}      // namespace -> indexKey -> set of keys
	sweeper *cron.Cron
}

// NewMemoryStore creates a MemoryStore and starts its TTL sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]map[string]*memoryRecord),
		indexes: make(map[string]map[string]map[string]struct{}),
		sweeper: cron.New(),
	}
	s.sweeper.AddFunc("@every 1m", s.purgeExpired)
	s.sweeper.Start()
	return s
}

func indexKey(idx Index) string {
	return idx.Name + "\x00" + idx.Value
}

// Get implements KV.Get.
func (s *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[namespace][key]
	if !ok || rec.expired(time.Now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(rec.value))
	copy(out, rec.value)
	return out, nil
}

// Put implements KV.Put.
func (s *MemoryStore) Put(_ context.Context, namespace, key string, value []byte, ttl time.Duration, indexes ...Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[namespace] == nil {
		s.records[namespace] = make(map[string]*memoryRecord)
	}
	if s.indexes[namespace] == nil {
		s.indexes[namespace] = make(map[string]map[string]struct{})
	}

	// Replacing a record drops its previous index entries.
	if prev, ok := s.records[namespace][key]; ok {
		s.dropIndexesLocked(namespace, key, prev.indexes)
	}

	rec := &memoryRecord{value: append([]byte(nil), value...), indexes: indexes}
	if ttl > 0 {
		rec.expiresAt = time.Now().Add(ttl)
	}
	s.records[namespace][key] = rec

	for _, idx := range indexes {
		ik := indexKey(idx)
		if s.indexes[namespace][ik] == nil {
			s.indexes[namespace][ik] = make(map[string]struct{})
		}
		s.indexes[namespace][ik][key] = struct{}{}
	}
	return nil
}

// Delete implements KV.Delete.
func (s *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[namespace][key]
	if !ok {
		return nil
	}
	s.dropIndexesLocked(namespace, key, rec.indexes)
	delete(s.records[namespace], key)
	return nil
}

// GetByIndex implements KV.GetByIndex.
func (s *MemoryStore) GetByIndex(_ context.Context, namespace string, idx Index, opts PageOptions) (Records, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for key := range s.indexes[namespace][indexKey(idx)] {
		keys = append(keys, key)
	}
	return s.collectLocked(namespace, keys, opts), nil
}

// GetAll implements KV.GetAll.
func (s *MemoryStore) GetAll(_ context.Context, namespace string, opts PageOptions) (Records, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.records[namespace]))
	for key := range s.records[namespace] {
		keys = append(keys, key)
	}
	return s.collectLocked(namespace, keys, opts), nil
}

// Ping implements KV.Ping.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close stops the TTL sweeper.
func (s *MemoryStore) Close() error {
	s.sweeper.Stop()
	return nil
}

func (s *MemoryStore) collectLocked(namespace string, keys []string, opts PageOptions) Records {
	sort.Strings(keys)
	now := time.Now()
	values := make([][]byte, 0, len(keys))
	for _, key := range keys {
		rec, ok := s.records[namespace][key]
		if !ok || rec.expired(now) {
			continue
		}
		values = append(values, rec.value)
	}
	return page(values, opts)
}

func (s *MemoryStore) dropIndexesLocked(namespace, key string, indexes []Index) {
	for _, idx := range indexes {
		ik := indexKey(idx)
		delete(s.indexes[namespace][ik], key)
		if len(s.indexes[namespace][ik]) == 0 {
			delete(s.indexes[namespace], ik)
		}
	}
}

func (s *MemoryStore) purgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for namespace, records := range s.records {
		for key, rec := range records {
			if rec.expired(now) {
				s.dropIndexesLocked(namespace, key, rec.indexes)
				delete(records, key)
			}
		}
	}
}
