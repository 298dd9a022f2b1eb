package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store used for tests and single-node deployments.
// Expiry is enforced lazily on access.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	val       string
	hash      map[string]string
	zset      map[string]float64
	set       map[string]struct{}
	expiresAt time.Time
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source; tests use it to step TTLs.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) live(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) ensure(key string) *memEntry {
	if e := m.live(key); e != nil {
		return e
	}
	e := &memEntry{}
	m.entries[key] = e
	return e
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return "", ErrNotFound
	}
	return e.val, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memEntry{val: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Incr implements Store.
func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensure(key)
	n, _ := strconv.ParseInt(e.val, 10, 64)
	n++
	e.val = strconv.FormatInt(n, 10)
	return n, nil
}

// Expire implements Store.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return nil
	}
	if ttl <= 0 {
		delete(m.entries, key)
		return nil
	}
	e.expiresAt = m.now().Add(ttl)
	return nil
}

// Exists implements Store.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(key) != nil, nil
}

// Del implements Store.
func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// HGetAll implements Store.
func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	e := m.live(key)
	if e == nil || e.hash == nil {
		return out, nil
	}
	for f, v := range e.hash {
		out[f] = v
	}
	return out, nil
}

// HSet implements Store.
func (m *Memory) HSet(_ context.Context, key string, pairs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensure(key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		e.hash[pairs[i]] = pairs[i+1]
	}
	return nil
}

// HIncrBy implements Store.
func (m *Memory) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensure(key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	n, _ := strconv.ParseInt(e.hash[field], 10, 64)
	n += delta
	e.hash[field] = strconv.FormatInt(n, 10)
	return n, nil
}

// ZAdd implements Store.
func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensure(key)
	if e.zset == nil {
		e.zset = make(map[string]float64)
	}
	e.zset[member] = score
	return nil
}

func (m *Memory) sortedMembers(key string, descending bool) []Member {
	e := m.live(key)
	if e == nil || len(e.zset) == 0 {
		return nil
	}
	out := make([]Member, 0, len(e.zset))
	for v, s := range e.zset {
		out = append(out, Member{Value: v, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			if descending {
				return out[i].Score > out[j].Score
			}
			return out[i].Score < out[j].Score
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func clampRange(n int64, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

// ZRange implements Store.
func (m *Memory) ZRange(_ context.Context, key string, start, stop int64) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.sortedMembers(key, false)
	s, e, ok := clampRange(int64(len(members)), start, stop)
	if !ok {
		return nil, nil
	}
	return append([]Member(nil), members[s:e+1]...), nil
}

// ZRevRange implements Store.
func (m *Memory) ZRevRange(_ context.Context, key string, start, stop int64) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.sortedMembers(key, true)
	s, e, ok := clampRange(int64(len(members)), start, stop)
	if !ok {
		return nil, nil
	}
	return append([]Member(nil), members[s:e+1]...), nil
}

// ZRem implements Store.
func (m *Memory) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.zset == nil {
		return nil
	}
	for _, v := range members {
		delete(e.zset, v)
	}
	return nil
}

// ZRemRangeByScore implements Store.
func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.zset == nil {
		return 0, nil
	}
	var removed int64
	for v, s := range e.zset {
		if s >= min && s <= max {
			delete(e.zset, v)
			removed++
		}
	}
	return removed, nil
}

// ZRemRangeByRank implements Store.
func (m *Memory) ZRemRangeByRank(_ context.Context, key string, start, stop int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.sortedMembers(key, false)
	s, e, ok := clampRange(int64(len(members)), start, stop)
	if !ok {
		return 0, nil
	}
	entry := m.live(key)
	for _, member := range members[s : e+1] {
		delete(entry.zset, member.Value)
	}
	return e - s + 1, nil
}

// ZCard implements Store.
func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return 0, nil
	}
	return int64(len(e.zset)), nil
}

// SAdd implements Store.
func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ensure(key)
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	for _, v := range members {
		e.set[v] = struct{}{}
	}
	return nil
}

// SMembers implements Store.
func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || len(e.set) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for v := range e.set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// SRem implements Store.
func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.set == nil {
		return nil
	}
	for _, v := range members {
		delete(e.set, v)
	}
	return nil
}
