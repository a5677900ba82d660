// Package invalidation is the engine that keeps cached derivatives
// consistent with source-of-truth mutations: bulk and pattern deletes,
// tag indexes, scheduled and rule-driven invalidation, and event
// fan-out over the store's pub/sub channel.
package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/credlane/lending-cache/cache"
	"github.com/credlane/lending-cache/storage"
)

// ErrInvalidPattern is returned for patterns that do not compile.
var ErrInvalidPattern = cache.NewError("invalid invalidation pattern")

const (
	// DefaultChannel carries invalidation events between instances.
	DefaultChannel = "cache:invalidation"

	defaultAuditSize = 512
	defaultScanBatch = 1000

	statsKey  = "invalidation:stats"
	tagPrefix = "tag:"

	// scheduledOpTimeout bounds a deferred invalidation, which runs
	// detached from the scheduling caller's context.
	scheduledOpTimeout = 30 * time.Second
)

// Options configures the invalidation service.
type Options struct {
	// Store is the raw store handle. The service deletes prefixed keys
	// directly; it deliberately does not go through the cache service.
	Store storage.Store
	// Logger defaults to a no-op logger.
	Logger cache.Logger
	// KeyPrefix must match the prefix the cache service writes under.
	KeyPrefix string
	// Channel carries invalidation events. Defaults to DefaultChannel.
	Channel string
	// InstanceID identifies this process in published events. Defaults
	// to a random UUID.
	InstanceID string
	// AuditSize bounds the in-memory event trail. Defaults to 512.
	AuditSize int
	// Clock drives scheduling. Defaults to the wall clock.
	Clock Clock
	// ScanBatchSize bounds pattern-scan batches. Defaults to 1000.
	ScanBatchSize int
}

// Service orchestrates cache invalidation across process instances.
type Service struct {
	store      storage.Store
	logger     cache.Logger
	prefix     string
	channel    string
	instanceID string
	batchSize  int
	clock      Clock

	scheduler *Scheduler
	audit     *AuditTrail

	mu        sync.RWMutex
	rules     []*Rule
	schemas   map[string][]string
	callbacks []func(Event)

	sub     storage.Subscription
	wg      sync.WaitGroup
	started int32
	closed  int32
}

// New creates an invalidation service from the given options. Call
// Start to subscribe to the event channel and accept scheduled work.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, cache.ErrInvalidConfig
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.AuditSize <= 0 {
		opts.AuditSize = defaultAuditSize
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.ScanBatchSize <= 0 {
		opts.ScanBatchSize = defaultScanBatch
	}

	audit, err := NewAuditTrail(opts.AuditSize)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}

	return &Service{
		store:      opts.Store,
		logger:     opts.Logger,
		prefix:     opts.KeyPrefix,
		channel:    opts.Channel,
		instanceID: opts.InstanceID,
		batchSize:  opts.ScanBatchSize,
		clock:      opts.Clock,
		scheduler:  NewScheduler(opts.Clock, opts.Logger),
		audit:      audit,
		schemas:    make(map[string][]string),
	}, nil
}

// Start subscribes to the event channel and starts the scheduler.
func (s *Service) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return cache.NewError("invalidation service already started")
	}
	sub, err := s.store.Subscribe(ctx, s.channel)
	if err != nil {
		atomic.StoreInt32(&s.started, 0)
		return fmt.Errorf("subscribe %q: %w", s.channel, err)
	}
	s.sub = sub
	s.scheduler.Start()

	s.wg.Add(1)
	go s.listen()

	s.logger.Info("invalidation service started",
		"channel", s.channel, "instance", s.instanceID)
	return nil
}

// listen records every event on the channel, own publishes included,
// and fans it out to registered callbacks.
func (s *Service) listen() {
	defer s.wg.Done()
	for msg := range s.sub.Messages() {
		var event Event
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			s.logger.Warn("dropping malformed invalidation event", "error", err)
			continue
		}
		s.audit.Record(event)

		s.mu.RLock()
		callbacks := make([]func(Event), len(s.callbacks))
		copy(callbacks, s.callbacks)
		s.mu.RUnlock()
		for _, fn := range callbacks {
			fn(event)
		}
	}
}

// OnEvent registers a callback invoked for every observed event,
// including events published by other instances. Callbacks run on the
// listener goroutine and must not block.
func (s *Service) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Close stops the scheduler, unsubscribes and waits for the listener
// to drain.
func (s *Service) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.scheduler.Stop()
	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			s.logger.Warn("failed to close event subscription", "error", err)
		}
	}
	s.wg.Wait()
	return nil
}

func (s *Service) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + k
}

func (s *Service) keyAll(keys []string) []string {
	if s.prefix == "" {
		return keys
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = s.prefix + k
	}
	return out
}

// InvalidateKeys bulk-deletes the given logical keys. The returned
// count is how many existed; zero with a nil error means nothing was
// cached, which is success, not failure.
func (s *Service) InvalidateKeys(ctx context.Context, keys []string, reason, source string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	start := s.clock.Now()
	n, err := s.store.Del(ctx, s.keyAll(keys)...)
	return s.finish(ctx, TypeKey, strings.Join(keys, ","), reason, source, n, start, err)
}

// InvalidatePattern deletes every key matching the glob pattern via
// bounded cursor scanning: matches accumulate into batches of at most
// ScanBatchSize and each batch is deleted before scanning continues,
// so memory stays bounded regardless of how many keys match. The scan
// is not a consistent snapshot; keys written behind the cursor may
// survive until the next invalidation.
func (s *Service) InvalidatePattern(ctx context.Context, pattern, reason, source string) (int64, error) {
	if _, err := storage.GlobToRegexp(pattern); err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
	}
	start := s.clock.Now()
	n, err := s.deletePattern(ctx, pattern)
	return s.finish(ctx, TypePattern, pattern, reason, source, n, start, err)
}

func (s *Service) deletePattern(ctx context.Context, pattern string) (int64, error) {
	var (
		total  int64
		batch  []string
		cursor uint64
	)
	for {
		keys, next, err := s.store.Scan(ctx, cursor, s.key(pattern), int64(s.batchSize))
		if err != nil {
			return total, err
		}
		batch = append(batch, keys...)
		for len(batch) >= s.batchSize {
			n, err := s.store.Del(ctx, batch[:s.batchSize]...)
			total += n
			if err != nil {
				return total, err
			}
			batch = batch[s.batchSize:]
		}
		// Cursor zero terminates the scan even when every batch came
		// back empty.
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(batch) > 0 {
		n, err := s.store.Del(ctx, batch...)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// InvalidateTags deletes, for each tag, every member key and then the
// tag's own index entry. The returned count covers member keys only.
func (s *Service) InvalidateTags(ctx context.Context, tags []string, reason, source string) (int64, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	start := s.clock.Now()
	n, err := s.deleteTags(ctx, tags)
	return s.finish(ctx, TypeTag, strings.Join(tags, ","), reason, source, n, start, err)
}

func (s *Service) deleteTags(ctx context.Context, tags []string) (int64, error) {
	var total int64
	for _, tag := range tags {
		indexKey := s.key(tagPrefix + tag)
		members, err := s.store.SMembers(ctx, indexKey)
		if err != nil {
			return total, fmt.Errorf("tag %q members: %w", tag, err)
		}
		for start := 0; start < len(members); start += s.batchSize {
			end := min(start+s.batchSize, len(members))
			n, err := s.store.Del(ctx, s.keyAll(members[start:end])...)
			total += n
			if err != nil {
				return total, fmt.Errorf("tag %q members: %w", tag, err)
			}
		}
		if _, err := s.store.Del(ctx, indexKey); err != nil {
			return total, fmt.Errorf("tag %q index: %w", tag, err)
		}
	}
	return total, nil
}

// TagKeys adds a logical key to each tag's index set so it can later
// be invalidated as a group.
func (s *Service) TagKeys(ctx context.Context, key string, tags ...string) error {
	for _, tag := range tags {
		if err := s.store.SAdd(ctx, s.key(tagPrefix+tag), key); err != nil {
			return fmt.Errorf("tag %q: %w", tag, err)
		}
	}
	return nil
}

// InvalidateUser clears every cached derivative of one user: the
// well-known "user:<id>:*" key shape plus the "user:<id>" tag group.
func (s *Service) InvalidateUser(ctx context.Context, userID, reason, source string) (int64, error) {
	start := s.clock.Now()
	n, err := s.deletePattern(ctx, "user:"+userID+":*")
	if err == nil {
		var tagged int64
		tagged, err = s.deleteTags(ctx, []string{"user:" + userID})
		n += tagged
	}
	return s.finish(ctx, TypeUser, userID, reason, source, n, start, err)
}

// InvalidateTenant clears every cached derivative of one tenant,
// mirroring InvalidateUser's key shapes.
func (s *Service) InvalidateTenant(ctx context.Context, tenantID, reason, source string) (int64, error) {
	start := s.clock.Now()
	n, err := s.deletePattern(ctx, "tenant:"+tenantID+":*")
	if err == nil {
		var tagged int64
		tagged, err = s.deleteTags(ctx, []string{"tenant:" + tenantID})
		n += tagged
	}
	return s.finish(ctx, TypeTenant, tenantID, reason, source, n, start, err)
}

// Schedule defers an invalidation by delay and returns a handle for
// CancelScheduled. The deferred run is detached from the caller's
// context. Timers are per-instance: if this process dies before the
// delay elapses, the invalidation is lost.
func (s *Service) Schedule(ctx context.Context, target Target, delay time.Duration, reason, source string) (string, error) {
	if err := ruleValidate.Struct(&target); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	id := uuid.NewString()
	err := s.scheduler.Schedule(id, delay, func() {
		opCtx, cancel := context.WithTimeout(context.Background(), scheduledOpTimeout)
		defer cancel()
		if _, err := s.dispatch(opCtx, target, reason, source); err != nil {
			s.logger.Error("scheduled invalidation failed",
				"id", id, "type", target.Type, "target", target.Value, "error", err)
		}
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("invalidation scheduled",
		"id", id, "type", target.Type, "target", target.Value, "delay", delay)
	return id, nil
}

// CancelScheduled prevents a pending scheduled invalidation from
// running. Idempotent: an already fired or cancelled handle reports
// false.
func (s *Service) CancelScheduled(id string) bool {
	return s.scheduler.Cancel(id)
}

// PendingScheduled returns how many scheduled invalidations await
// execution on this instance.
func (s *Service) PendingScheduled() int {
	return s.scheduler.PendingCount()
}

func (s *Service) dispatch(ctx context.Context, target Target, reason, source string) (int64, error) {
	switch target.Type {
	case TypeKey:
		return s.InvalidateKeys(ctx, strings.Split(target.Value, ","), reason, source)
	case TypePattern:
		return s.InvalidatePattern(ctx, target.Value, reason, source)
	case TypeTag:
		return s.InvalidateTags(ctx, strings.Split(target.Value, ","), reason, source)
	case TypeUser:
		return s.InvalidateUser(ctx, target.Value, reason, source)
	case TypeTenant:
		return s.InvalidateTenant(ctx, target.Value, reason, source)
	default:
		return 0, fmt.Errorf("%w: unsupported target type %q", ErrInvalidRule, target.Type)
	}
}

// RegisterEventSchema declares the payload fields event carries.
// Rules registered afterwards have their templates checked against it,
// and payloads with undeclared fields are rejected at trigger time.
func (s *Service) RegisterEventSchema(event string, fields ...string) {
	s.mu.Lock()
	s.schemas[event] = fields
	s.mu.Unlock()
}

// AddRule validates and registers an invalidation rule. Rule names
// must be unique.
func (s *Service) AddRule(rule Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validateRule(&rule, s.schemas[rule.Event]); err != nil {
		return err
	}
	for _, existing := range s.rules {
		if existing.Name == rule.Name {
			return fmt.Errorf("%w: duplicate rule %q", ErrInvalidRule, rule.Name)
		}
	}
	s.rules = append(s.rules, &rule)
	return nil
}

// RemoveRule unregisters a rule by name.
func (s *Service) RemoveRule(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rule := range s.rules {
		if rule.Name == name {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns a snapshot of the registered rules.
func (s *Service) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, len(s.rules))
	for i, rule := range s.rules {
		out[i] = *rule
	}
	return out
}

// Trigger fires every enabled rule registered for eventType whose
// predicate accepts data. Target templates resolve against data at
// trigger time; a rule referencing a missing field is skipped and
// logged, never partially executed. Immediate rules run concurrently
// and Trigger waits for them; delayed rules go through the scheduler
// and are not included in the returned count.
func (s *Service) Trigger(ctx context.Context, eventType string, data map[string]any, source string) (int64, error) {
	s.mu.RLock()
	schema := s.schemas[eventType]
	var matched []*Rule
	for _, rule := range s.rules {
		if rule.Enabled && rule.Event == eventType {
			matched = append(matched, rule)
		}
	}
	s.mu.RUnlock()

	if err := validatePayload(eventType, data, schema); err != nil {
		return 0, err
	}
	if len(matched) == 0 {
		return 0, nil
	}

	var (
		total int64
		wg    sync.WaitGroup
	)
	for _, rule := range matched {
		if rule.Predicate != nil && !rule.Predicate(data) {
			s.logger.Debug("rule predicate rejected event",
				"rule", rule.Name, "event", eventType)
			continue
		}

		resolved, err := resolveTargets(rule, data)
		if err != nil {
			s.logger.Warn("skipping rule with unresolvable target",
				"rule", rule.Name, "event", eventType, "error", err)
			s.recordFailure(ctx, TypeCustom, source)
			continue
		}

		reason := "rule:" + rule.Name
		if rule.Delay > 0 {
			for _, target := range resolved {
				if _, err := s.Schedule(ctx, target, rule.Delay, reason, source); err != nil {
					s.logger.Error("failed to schedule rule invalidation",
						"rule", rule.Name, "target", target.Value, "error", err)
				}
			}
			continue
		}

		for _, target := range resolved {
			wg.Add(1)
			go func(target Target) {
				defer wg.Done()
				n, err := s.dispatch(ctx, target, reason, source)
				if err != nil {
					s.logger.Error("rule invalidation failed",
						"rule", reason, "target", target.Value, "error", err)
					return
				}
				atomic.AddInt64(&total, n)
			}(target)
		}
	}
	wg.Wait()
	return atomic.LoadInt64(&total), nil
}

func resolveTargets(rule *Rule, data map[string]any) ([]Target, error) {
	resolved := make([]Target, 0, len(rule.Targets))
	for _, target := range rule.Targets {
		value, err := resolveTemplate(target.Value, data)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, Target{Type: target.Type, Value: value})
	}
	return resolved, nil
}

// RecentEvents returns up to n observed events, newest first.
func (s *Service) RecentEvents(n int) []Event {
	return s.audit.Recent(n)
}

// finish publishes the action's event and updates persisted counters.
// Failures are logged with full context and counted; they never roll
// back deletes that already ran.
func (s *Service) finish(ctx context.Context, typ Type, target, reason, source string, n int64, start time.Time, err error) (int64, error) {
	if err != nil {
		s.recordFailure(ctx, typ, source)
		s.logger.Error("invalidation failed",
			"type", typ, "target", target, "reason", reason, "source", source, "error", err)
		return n, fmt.Errorf("invalidate %s %q: %w", typ, target, err)
	}

	latency := s.clock.Now().Sub(start)
	s.recordSuccess(ctx, typ, source, n, latency)
	s.publish(ctx, Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Target:    target,
		Reason:    reason,
		Source:    source,
		Sender:    s.instanceID,
		Timestamp: s.clock.Now(),
		Metadata:  map[string]string{"count": strconv.FormatInt(n, 10)},
	})
	s.logger.Debug("invalidation completed",
		"type", typ, "target", target, "count", n, "latency", latency)
	return n, nil
}

func (s *Service) publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to encode invalidation event", "error", err)
		return
	}
	if err := s.store.Publish(ctx, s.channel, payload); err != nil {
		s.logger.Warn("failed to publish invalidation event",
			"type", event.Type, "target", event.Target, "error", err)
		if _, err := s.store.HIncrBy(ctx, s.key(statsKey), "publish_failures", 1); err != nil {
			s.logger.Debug("stats update failed", "error", err)
		}
	}
}

// recordSuccess persists per-action counters in a store hash so totals
// survive restarts and aggregate across instances.
func (s *Service) recordSuccess(ctx context.Context, typ Type, source string, n int64, latency time.Duration) {
	key := s.key(statsKey)
	increments := map[string]int64{
		"total":          1,
		"keys":           n,
		"type:" + string(typ): 1,
		"latency_sum_ms": latency.Milliseconds(),
		"latency_count":  1,
	}
	if source != "" {
		increments["source:"+source] = 1
	}
	for field, delta := range increments {
		if _, err := s.store.HIncrBy(ctx, key, field, delta); err != nil {
			s.logger.Debug("stats update failed", "field", field, "error", err)
			return
		}
	}
}

func (s *Service) recordFailure(ctx context.Context, typ Type, source string) {
	key := s.key(statsKey)
	if _, err := s.store.HIncrBy(ctx, key, "failures", 1); err != nil {
		s.logger.Debug("stats update failed", "error", err)
		return
	}
	if _, err := s.store.HIncrBy(ctx, key, "failures:type:"+string(typ), 1); err != nil {
		s.logger.Debug("stats update failed", "error", err)
	}
}

// Stats represents invalidation statistics, combining the persisted
// store hash with this instance's scheduler and audit state.
type Stats struct {
	Total            int64
	KeysInvalidated  int64
	Failures         int64
	PublishFailures  int64
	ByType           map[string]int64
	BySource         map[string]int64
	AvgLatencyMs     float64
	PendingScheduled int
	AuditLen         int
}

// Stats reads the persisted counters back from the store.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	raw, err := s.store.HGetAll(ctx, s.key(statsKey))
	if err != nil {
		return Stats{}, fmt.Errorf("invalidation stats: %w", err)
	}

	stats := Stats{
		ByType:           make(map[string]int64),
		BySource:         make(map[string]int64),
		PendingScheduled: s.scheduler.PendingCount(),
		AuditLen:         s.audit.Len(),
	}
	var latencySum, latencyCount int64
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case field == "total":
			stats.Total = n
		case field == "keys":
			stats.KeysInvalidated = n
		case field == "failures":
			stats.Failures = n
		case field == "publish_failures":
			stats.PublishFailures = n
		case field == "latency_sum_ms":
			latencySum = n
		case field == "latency_count":
			latencyCount = n
		case strings.HasPrefix(field, "type:"):
			stats.ByType[strings.TrimPrefix(field, "type:")] = n
		case strings.HasPrefix(field, "source:"):
			stats.BySource[strings.TrimPrefix(field, "source:")] = n
		}
	}
	if latencyCount > 0 {
		stats.AvgLatencyMs = float64(latencySum) / float64(latencyCount)
	}
	return stats, nil
}
