package storage

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"telemirror/internal/model"
)

type member struct {
	chat int64
	id   int
}

// Memory is a process-local Store. Records are lost on restart. When
// capacity is positive the least recently used record is evicted first.
type Memory struct {
	mu      sync.Mutex
	cache   *lru.Cache[model.CorrelationKey, *model.CorrelationRecord]
	members map[member]model.CorrelationKey
}

// NewMemory creates a Memory store. A capacity of zero means unbounded.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = math.MaxInt
	}
	m := &Memory{members: make(map[member]model.CorrelationKey)}
	cache, err := lru.NewWithEvict(capacity, m.unindex)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(fmt.Sprintf("storage: create lru: %v", err))
	}
	m.cache = cache
	return m
}

// Get returns a copy of the record stored under key.
func (m *Memory) Get(_ context.Context, key model.CorrelationKey) (*model.CorrelationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Put stores a copy of rec.
func (m *Memory) Put(_ context.Context, rec *model.CorrelationRecord) error {
	c := rec.Clone()
	created, updated := recordTimes(rec)
	c.CreatedAt, c.UpdatedAt = created.Truncate(time.Second), updated.Truncate(time.Second)

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.cache.Peek(c.Key); ok {
		m.unindex(c.Key, old)
	}
	m.cache.Add(c.Key, c)
	for _, mr := range c.Mirrors {
		m.members[member{chat: c.Key.Source.ChatID, id: mr.SourceID}] = c.Key
	}
	return nil
}

// Delete removes the record for key.
func (m *Memory) Delete(_ context.Context, key model.CorrelationKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(key)
	return nil
}

// Locate returns the key of the record holding copies of message id in chat.
func (m *Memory) Locate(_ context.Context, chatID int64, id int) (model.CorrelationKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.members[member{chat: chatID, id: id}]
	if !ok {
		return model.CorrelationKey{}, ErrNotFound
	}
	return key, nil
}

// unindex drops the member entries of rec. The cache calls it on eviction
// and removal, always with m.mu held.
func (m *Memory) unindex(key model.CorrelationKey, rec *model.CorrelationRecord) {
	for _, mr := range rec.Mirrors {
		mk := member{chat: key.Source.ChatID, id: mr.SourceID}
		if m.members[mk] == key {
			delete(m.members, mk)
		}
	}
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// Close drops every record.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
	return nil
}
