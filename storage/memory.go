package storage

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of the Store contract for
// tests and local development. Every primitive, including TTL bookkeeping,
// cursor scans and pub/sub fan-out, behaves like its Redis counterpart
// without a server round trip. A single mutex makes each operation atomic.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]*memoryEntry
	subs     map[string][]*memorySubscription
	scans    map[uint64]string
	scanSeq  uint64
	now      func() time.Time
	closed   bool
}

type entryKind int

const (
	kindString entryKind = iota
	kindHash
	kindSet
)

type memoryEntry struct {
	kind      entryKind
	value     []byte
	hash      map[string]string
	set       map[string]struct{}
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]*memoryEntry),
		subs:  make(map[string][]*memorySubscription),
		scans: make(map[uint64]string),
		now:   time.Now,
	}
}

// SetClock replaces the store's time source. Tests use it to drive TTL
// expiry deterministically.
func (ms *MemoryStore) SetClock(now func() time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.now = now
}

// live returns the entry at key, dropping it first if it has expired.
// Callers must hold mu.
func (ms *MemoryStore) live(key string) *memoryEntry {
	e, ok := ms.data[key]
	if !ok {
		return nil
	}
	if e.expired(ms.now()) {
		delete(ms.data, key)
		return nil
	}
	return e
}

// Get retrieves a value.
func (ms *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}
	e := ms.live(key)
	if e == nil {
		return nil, ErrNotFound
	}
	if e.kind != kindString {
		return nil, ErrWrongType
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores a value, replacing whatever was at key before.
func (ms *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}
	e := &memoryEntry{kind: kindString, value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = ms.now().Add(ttl)
	}
	ms.data[key] = e
	return nil
}

// MGet retrieves multiple values aligned with keys.
func (ms *MemoryStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if e := ms.live(k); e != nil && e.kind == kindString {
			out[i] = append([]byte(nil), e.value...)
		}
	}
	return out, nil
}

// MSet stores all entries with one lock acquisition.
func (ms *MemoryStore) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = ms.now().Add(ttl)
	}
	for k, v := range entries {
		ms.data[k] = &memoryEntry{
			kind:      kindString,
			value:     append([]byte(nil), v...),
			expiresAt: expiresAt,
		}
	}
	return nil
}

// Del removes keys and returns how many existed.
func (ms *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return 0, ErrClosed
	}
	var n int64
	for _, k := range keys {
		if ms.live(k) != nil {
			delete(ms.data, k)
			n++
		}
	}
	return n, nil
}

// Exists reports whether key is present.
func (ms *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return false, ErrClosed
	}
	return ms.live(key) != nil, nil
}

// Expire sets a new ttl on key.
func (ms *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return false, ErrClosed
	}
	e := ms.live(key)
	if e == nil {
		return false, nil
	}
	if ttl > 0 {
		e.expiresAt = ms.now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return true, nil
}

// TTL returns the remaining time to live for key.
func (ms *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return 0, ErrClosed
	}
	e := ms.live(key)
	if e == nil {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(ms.now()), nil
}

// IncrBy adds delta to the counter at key, attaching ttl when the
// increment creates the key.
func (ms *MemoryStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return 0, ErrClosed
	}
	e := ms.live(key)
	if e == nil {
		e = &memoryEntry{kind: kindString}
		if ttl > 0 {
			e.expiresAt = ms.now().Add(ttl)
		}
		ms.data[key] = e
	}
	if e.kind != kindString {
		return 0, ErrWrongType
	}
	cur := int64(0)
	if len(e.value) > 0 {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, ErrWrongType
		}
		cur = n
	}
	cur += delta
	e.value = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}

// TakeTokens refills and debits the token bucket at key under the store
// mutex, mirroring the Redis script's hash layout.
func (ms *MemoryStore) TakeTokens(ctx context.Context, key string, capacity int64, refillPerSec float64, tokens int64, ttl time.Duration) (bool, float64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return false, 0, ErrClosed
	}
	now := ms.now()
	remaining := float64(capacity)
	last := now
	if e := ms.live(key); e != nil && e.kind == kindHash {
		if v, err := strconv.ParseFloat(e.hash["tokens"], 64); err == nil {
			remaining = v
		}
		if v, err := strconv.ParseInt(e.hash["refilled_at"], 10, 64); err == nil {
			last = time.UnixMilli(v)
		}
	}
	if elapsed := now.Sub(last).Seconds(); elapsed > 0 {
		remaining = math.Min(float64(capacity), remaining+elapsed*refillPerSec)
	}
	allowed := remaining >= float64(tokens)
	if allowed {
		remaining -= float64(tokens)
	}
	e := &memoryEntry{kind: kindHash, hash: map[string]string{
		"tokens":      strconv.FormatFloat(remaining, 'f', -1, 64),
		"refilled_at": strconv.FormatInt(now.UnixMilli(), 10),
	}}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	ms.data[key] = e
	return allowed, remaining, nil
}

// SAdd adds members to the set at key.
func (ms *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}
	e := ms.live(key)
	if e == nil {
		e = &memoryEntry{kind: kindSet, set: make(map[string]struct{})}
		ms.data[key] = e
	}
	if e.kind != kindSet {
		return ErrWrongType
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	return nil
}

// SMembers returns all members of the set at key.
func (ms *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}
	e := ms.live(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kindSet {
		return nil, ErrWrongType
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// SRem removes members from the set at key.
func (ms *MemoryStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return 0, ErrClosed
	}
	e := ms.live(key)
	if e == nil {
		return 0, nil
	}
	if e.kind != kindSet {
		return 0, ErrWrongType
	}
	var n int64
	for _, m := range members {
		if _, ok := e.set[m]; ok {
			delete(e.set, m)
			n++
		}
	}
	if len(e.set) == 0 {
		delete(ms.data, key)
	}
	return n, nil
}

// HSet stores field=value in the hash at key.
func (ms *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}
	e := ms.live(key)
	if e == nil {
		e = &memoryEntry{kind: kindHash, hash: make(map[string]string)}
		ms.data[key] = e
	}
	if e.kind != kindHash {
		return ErrWrongType
	}
	e.hash[field] = value
	return nil
}

// HGet returns the value of field in the hash at key.
func (ms *MemoryStore) HGet(ctx context.Context, key, field string) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return "", ErrClosed
	}
	e := ms.live(key)
	if e == nil {
		return "", ErrNotFound
	}
	if e.kind != kindHash {
		return "", ErrWrongType
	}
	v, ok := e.hash[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// HGetAll returns a copy of every field of the hash at key.
func (ms *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}
	e := ms.live(key)
	if e == nil {
		return map[string]string{}, nil
	}
	if e.kind != kindHash {
		return nil, ErrWrongType
	}
	out := make(map[string]string, len(e.hash))
	for f, v := range e.hash {
		out[f] = v
	}
	return out, nil
}

// HDel removes fields from the hash at key.
func (ms *MemoryStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return 0, ErrClosed
	}
	e := ms.live(key)
	if e == nil {
		return 0, nil
	}
	if e.kind != kindHash {
		return 0, ErrWrongType
	}
	var n int64
	for _, f := range fields {
		if _, ok := e.hash[f]; ok {
			delete(e.hash, f)
			n++
		}
	}
	if len(e.hash) == 0 {
		delete(ms.data, key)
	}
	return n, nil
}

// HIncrBy adds delta to the integer field in the hash at key.
func (ms *MemoryStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return 0, ErrClosed
	}
	e := ms.live(key)
	if e == nil {
		e = &memoryEntry{kind: kindHash, hash: make(map[string]string)}
		ms.data[key] = e
	}
	if e.kind != kindHash {
		return 0, ErrWrongType
	}
	cur := int64(0)
	if raw, ok := e.hash[field]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, ErrWrongType
		}
		cur = n
	}
	cur += delta
	e.hash[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// Scan iterates live keys in lexicographic order, count at a time. The
// cursor resumes after the last key of the previous batch, which keeps the
// iteration stable when the caller deletes returned keys between calls,
// the way invalidation sweeps do. A batch may contain fewer than count
// matches (or none) while the cursor still advances.
func (ms *MemoryStore) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, 0, ErrClosed
	}
	if count <= 0 {
		count = 10
	}
	re, err := GlobToRegexp(pattern)
	if err != nil {
		return nil, 0, err
	}

	resumeAfter := ""
	if cursor != 0 {
		resumeAfter = ms.scans[cursor]
		delete(ms.scans, cursor)
	}

	now := ms.now()
	keys := make([]string, 0, len(ms.data))
	for k, e := range ms.data {
		if !e.expired(now) && k > resumeAfter {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	end := int(count)
	if end > len(keys) {
		end = len(keys)
	}
	var matched []string
	for _, k := range keys[:end] {
		if re.MatchString(k) {
			matched = append(matched, k)
		}
	}
	if end == len(keys) {
		return matched, 0, nil
	}

	ms.scanSeq++
	if ms.scanSeq == 0 {
		ms.scanSeq = 1
	}
	// Abandoned cursors would otherwise accumulate forever.
	if len(ms.scans) > 1024 {
		ms.scans = make(map[uint64]string)
	}
	ms.scans[ms.scanSeq] = keys[end-1]
	return matched, ms.scanSeq, nil
}

// Publish delivers payload to every subscriber of channel. Subscribers
// that are not draining their channel miss the message, matching the
// fire-and-forget transport. Delivery happens under the store mutex so a
// concurrent subscription Close cannot race the send.
func (ms *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}
	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, sub := range ms.subs[channel] {
		select {
		case sub.messages <- msg:
		default:
		}
	}
	return nil
}

// Subscribe opens a subscription to channel.
func (ms *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		store:    ms,
		channel:  channel,
		messages: make(chan Message, 128),
	}
	ms.subs[channel] = append(ms.subs[channel], sub)
	return sub, nil
}

// Ping reports whether the store is usable.
func (ms *MemoryStore) Ping(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}
	return nil
}

// Close shuts the store down and closes every open subscription.
func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil
	}
	ms.closed = true
	for _, subs := range ms.subs {
		for _, sub := range subs {
			sub.detached = true
			close(sub.messages)
		}
	}
	ms.subs = make(map[string][]*memorySubscription)
	ms.data = make(map[string]*memoryEntry)
	return nil
}

// Len returns the number of live keys. Test helper.
func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	now := ms.now()
	n := 0
	for _, e := range ms.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

type memorySubscription struct {
	store    *MemoryStore
	channel  string
	messages chan Message
	once     sync.Once
	detached bool
}

// Messages returns the channel payloads are delivered on.
func (s *memorySubscription) Messages() <-chan Message {
	return s.messages
}

// Close removes the subscription from its store.
func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		if s.detached {
			return
		}
		s.detached = true
		subs := s.store.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.messages)
	})
	return nil
}

var _ Store = (*MemoryStore)(nil)
