package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and single-node dev setups.
//
// Semantics match the Redis driver: pop-min ties break on the lexically
// smaller member, range queries return ascending (score, member) order, and
// expiry is enforced lazily on access.
type Memory struct {
	mu      sync.Mutex
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
	expires map[string]time.Time
	pubs    []Message
}

// Message is a published channel message, retained for test inspection.
type Message struct {
	Channel string
	Payload string
}

func NewMemory() *Memory {
	return &Memory{
		zsets:   map[string]map[string]float64{},
		hashes:  map[string]map[string]string{},
		expires: map[string]time.Time{},
	}
}

func (m *Memory) ZAdd(_ context.Context, set, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[set]
	if z == nil {
		z = map[string]float64{}
		m.zsets[set] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZPopMin(_ context.Context, set string) (string, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[set]
	if len(z) == 0 {
		return "", 0, ErrNoMember
	}
	var best string
	var bestScore float64
	first := true
	for member, score := range z {
		if first || score < bestScore || (score == bestScore && member < best) {
			best, bestScore = member, score
			first = false
		}
	}
	delete(z, best)
	return best, bestScore, nil
}

func (m *Memory) ZRangeByScore(_ context.Context, set string, max float64, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[set]
	type entry struct {
		member string
		score  float64
	}
	entries := make([]entry, 0, len(z))
	for member, score := range z {
		if score <= max {
			entries = append(entries, entry{member, score})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].member < entries[j].member
	})
	if int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.member
	}
	return out, nil
}

func (m *Memory) ZRem(_ context.Context, set, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[set]
	if _, ok := z[member]; !ok {
		return false, nil
	}
	delete(z, member)
	return true, nil
}

func (m *Memory) ZCard(_ context.Context, set string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[set])), nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashes[key]
	if h == nil {
		h = map[string]string{}
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(key)
	h := m.hashes[key]
	if len(h) == 0 {
		return nil, ErrNoMember
	}
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[key] = time.Now().Add(ttl)
	return nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes, key)
	delete(m.expires, key)
	return nil
}

func (m *Memory) Publish(_ context.Context, channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pubs = append(m.pubs, Message{Channel: channel, Payload: message})
	return nil
}

// Published returns all messages published so far. Test helper.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.pubs))
	copy(out, m.pubs)
	return out
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) reapLocked(key string) {
	if dl, ok := m.expires[key]; ok && time.Now().After(dl) {
		delete(m.hashes, key)
		delete(m.expires, key)
	}
}
