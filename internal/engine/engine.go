// Package engine applies normalized change events to canonical items and
// delivers the resulting deltas to every other linked platform.
//
// Each (item, platform) pair moves through
//
//	Idle -> Pending -> InFlight -> Committed
//	                           \-> Backoff -> Pending ... -> DeadLettered
//
// Canonical mutation for one item is serialized on that item's mutex; the
// mutex is never held across an adapter call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/tasksync/internal/adapters"
	"github.com/agentworkforce/tasksync/internal/canonical"
	"github.com/agentworkforce/tasksync/internal/deadletter"
	"github.com/agentworkforce/tasksync/internal/health"
	"github.com/agentworkforce/tasksync/internal/store"
)

const (
	DefaultMaxAttempts     = 5
	DefaultDispatchWorkers = 8
	DefaultEventWorkers    = 4
	DefaultBurstThreshold  = 10
	DefaultProbeMaxAge     = time.Minute
	DefaultDeliveryTimeout = 30 * time.Second
	DefaultAppliedEvents   = 256

	persistTimeout = 5 * time.Second
)

var (
	ErrLinkConflict = errors.New("native id linked to another item")
	ErrNotFound     = errors.New("not found")
	ErrInvalidEvent = errors.New("invalid change event")
)

type LinkConflictError struct {
	Platform     string
	NativeID     string
	ItemID       string
	LinkedItemID string
}

func (e *LinkConflictError) Error() string {
	return fmt.Sprintf("%s %q is linked to item %s, not %s", e.Platform, e.NativeID, e.LinkedItemID, e.ItemID)
}

func (e *LinkConflictError) Is(target error) bool {
	return target == ErrLinkConflict
}

type PairState string

const (
	StateIdle         PairState = "idle"
	StatePending      PairState = "pending"
	StateInFlight     PairState = "in_flight"
	StateCommitted    PairState = "committed"
	StateBackoff      PairState = "backoff"
	StateDeadLettered PairState = "dead_lettered"
)

type AdapterSource interface {
	Get(platform string) (adapters.Adapter, bool)
}

// HealthChecker is the read side of the health monitor.
type HealthChecker interface {
	Status(platform string) health.Status
	ProbeStale(ctx context.Context, maxAge time.Duration) map[string]health.PlatformHealth
	Subscribe(fn func(map[string]health.PlatformHealth))
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store  store.Store
	Health HealthChecker
	Sink   deadletter.Sink
	Logger Logger

	MaxAttempts     int
	Backoff         Backoff
	DispatchWorkers int
	// BurstThreshold is the ready-queue depth at which a dispatch worker
	// refreshes stale health state before dispatching.
	BurstThreshold  int
	ProbeMaxAge     time.Duration
	DeliveryTimeout time.Duration
	AppliedEvents   int

	Now func() time.Time
	// Sample returns a uniform value in [0, 1) used for backoff jitter.
	Sample func() float64
}

type NotificationType string

const (
	NotifyItemUpdated          NotificationType = "item.updated"
	NotifyDeliveryCommitted    NotificationType = "delivery.committed"
	NotifyDeliveryBackoff      NotificationType = "delivery.backoff"
	NotifyDeliveryDeadLettered NotificationType = "delivery.dead_lettered"
	NotifyPlatformHealth       NotificationType = "platform.health"
)

type Notification struct {
	Type     NotificationType `json:"type"`
	ItemID   string           `json:"itemId,omitempty"`
	Platform string           `json:"platform,omitempty"`
	Version  uint64           `json:"version,omitempty"`
	State    string           `json:"state,omitempty"`
	Attempt  int              `json:"attempt,omitempty"`
	Error    string           `json:"error,omitempty"`
	At       time.Time        `json:"at"`
}

type ApplyResult struct {
	ItemID    string            `json:"itemId"`
	Version   uint64            `json:"version"`
	Duplicate bool              `json:"duplicate,omitempty"`
	Applied   []canonical.Field `json:"applied,omitempty"`
	Scheduled []string          `json:"scheduled,omitempty"`
}

type PairStatus struct {
	Platform     string                     `json:"platform"`
	NativeID     string                     `json:"nativeId"`
	State        PairState                  `json:"state"`
	Parked       bool                       `json:"parked,omitempty"`
	AttemptCount int                        `json:"attemptCount"`
	Payload      map[canonical.Field]string `json:"payload,omitempty"`
	NextRetryAt  time.Time                  `json:"nextRetryAt,omitempty"`
	LastError    string                     `json:"lastError,omitempty"`
	UpdatedAt    time.Time                  `json:"updatedAt,omitempty"`
}

type Stats struct {
	Items           int    `json:"items"`
	Pending         int    `json:"pending"`
	InFlight        int    `json:"inFlight"`
	Backoff         int    `json:"backoff"`
	Parked          int    `json:"parked"`
	Ready           int    `json:"ready"`
	DeadLetters     int    `json:"deadLetters"`
	EventsApplied   uint64 `json:"eventsApplied"`
	EventsDuplicate uint64 `json:"eventsDuplicate"`
	EventsRejected  uint64 `json:"eventsRejected"`
	Committed       uint64 `json:"committed"`
	Retries         uint64 `json:"retries"`
	DeadLettered    uint64 `json:"deadLettered"`
	PersistFailures uint64 `json:"persistFailures"`
}

type pairKey struct {
	itemID   string
	platform string
}

type pair struct {
	state     PairState
	attempt   canonical.DeliveryAttempt
	followUp  bool
	parked    bool
	updatedAt time.Time
}

type itemEntry struct {
	mu     sync.Mutex
	record store.ItemRecord
	pairs  map[string]*pair
}

// effects collects work produced under an item lock that must happen after
// the lock is released.
type effects struct {
	ready   []pairKey
	notes   []Notification
	letters []canonical.DeadLetter
}

type Engine struct {
	adapters        AdapterSource
	store           store.Store
	health          HealthChecker
	sink            deadletter.Sink
	logger          Logger
	maxAttempts     int
	backoff         Backoff
	dispatchWorkers int
	burstThreshold  int
	probeMaxAge     time.Duration
	deliveryTimeout time.Duration
	appliedEvents   int
	now             func() time.Time
	sample          func() float64

	mu    sync.RWMutex
	items map[string]*itemEntry
	links map[string]string

	deadMu      sync.Mutex
	deadLetters map[string]canonical.DeadLetter

	parkedMu sync.Mutex
	parked   map[pairKey]struct{}

	observersMu  sync.RWMutex
	observers    map[int]func(Notification)
	nextObserver int

	healthMu   sync.Mutex
	lastHealth map[string]health.Status

	ready     *readyQueue
	deadlines *deadlineQueue
	probing   atomic.Bool

	eventsApplied   atomic.Uint64
	eventsDuplicate atomic.Uint64
	eventsRejected  atomic.Uint64
	committed       atomic.Uint64
	retries         atomic.Uint64
	deadLettered    atomic.Uint64
	persistFailures atomic.Uint64

	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type alwaysHealthy struct{}

func (alwaysHealthy) Status(string) health.Status { return health.Healthy }
func (alwaysHealthy) ProbeStale(context.Context, time.Duration) map[string]health.PlatformHealth {
	return nil
}
func (alwaysHealthy) Subscribe(func(map[string]health.PlatformHealth)) {}

func New(source AdapterSource, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	var checker HealthChecker = alwaysHealthy{}
	if opts.Health != nil {
		checker = opts.Health
	}
	var sink deadletter.Sink = deadletter.NewLogSink(logger)
	if opts.Sink != nil {
		sink = opts.Sink
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	dispatchWorkers := opts.DispatchWorkers
	if dispatchWorkers <= 0 {
		dispatchWorkers = DefaultDispatchWorkers
	}
	burstThreshold := opts.BurstThreshold
	if burstThreshold <= 0 {
		burstThreshold = DefaultBurstThreshold
	}
	probeMaxAge := opts.ProbeMaxAge
	if probeMaxAge <= 0 {
		probeMaxAge = DefaultProbeMaxAge
	}
	deliveryTimeout := opts.DeliveryTimeout
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}
	appliedEvents := opts.AppliedEvents
	if appliedEvents <= 0 {
		appliedEvents = DefaultAppliedEvents
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sample := opts.Sample
	if sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		var rngMu sync.Mutex
		sample = func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64()
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		adapters:        source,
		store:           st,
		health:          checker,
		sink:            sink,
		logger:          logger,
		maxAttempts:     maxAttempts,
		backoff:         opts.Backoff.withDefaults(),
		dispatchWorkers: dispatchWorkers,
		burstThreshold:  burstThreshold,
		probeMaxAge:     probeMaxAge,
		deliveryTimeout: deliveryTimeout,
		appliedEvents:   appliedEvents,
		now:             now,
		sample:          sample,
		items:           map[string]*itemEntry{},
		links:           map[string]string{},
		deadLetters:     map[string]canonical.DeadLetter{},
		parked:          map[pairKey]struct{}{},
		observers:       map[int]func(Notification){},
		lastHealth:      map[string]health.Status{},
		ready:           newReadyQueue(),
		deadlines:       newDeadlineQueue(),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start loads persisted items, rebuilds the link index, recomputes the
// outstanding delta of every linked pair and starts the dispatch workers and
// the retry timer. Calling Start more than once is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		err = e.start(ctx)
	})
	return err
}

func (e *Engine) start(ctx context.Context) error {
	records, err := e.store.LoadItems(ctx)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}
	letters, err := e.store.ListDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("load dead letters: %w", err)
	}
	// newest letter per pair
	deadPairs := map[pairKey]canonical.DeadLetter{}
	e.deadMu.Lock()
	for _, letter := range letters {
		e.deadLetters[letter.ID] = letter
		key := pairKey{letter.ItemID, letter.TargetPlatform}
		if newest, ok := deadPairs[key]; !ok || letter.FailedAt.After(newest.FailedAt) {
			deadPairs[key] = letter
		}
	}
	e.deadMu.Unlock()

	loaded := make([]*itemEntry, 0, len(records))
	e.mu.Lock()
	for _, record := range records {
		id := record.Item.ID
		if _, exists := e.items[id]; exists {
			continue
		}
		entry := &itemEntry{record: normalizeRecord(record), pairs: map[string]*pair{}}
		e.items[id] = entry
		for platform, nativeID := range entry.record.Item.Links {
			e.links[linkKey(platform, nativeID)] = id
		}
		loaded = append(loaded, entry)
	}
	e.mu.Unlock()

	fx := &effects{}
	for _, entry := range loaded {
		entry.mu.Lock()
		for _, platform := range entry.record.Item.Platforms() {
			if _, ok := e.adapters.Get(platform); !ok {
				continue
			}
			key := pairKey{entry.record.Item.ID, platform}
			delta := canonical.Delta(entry.record.Item, entry.record.Known[platform])
			// A pair stays dead-lettered only while its letter still
			// describes the outstanding delta; a later event started a new
			// cycle otherwise.
			if letter, ok := deadPairs[key]; ok && maps.Equal(letter.Payload, delta) {
				entry.pairs[platform] = &pair{state: StateDeadLettered, updatedAt: e.now()}
				continue
			}
			e.reconcilePairLocked(entry, platform, delta, "", fx)
		}
		entry.mu.Unlock()
	}
	e.flush(fx)

	e.health.Subscribe(e.onHealth)
	e.wg.Add(e.dispatchWorkers + 1)
	for i := 0; i < e.dispatchWorkers; i++ {
		go e.dispatchWorker()
	}
	go func() {
		defer e.wg.Done()
		e.deadlines.run(e.ctx, e.onDeadline)
	}()
	e.logger.Printf("engine: started items=%d pending=%d dead_letters=%d", len(loaded), len(fx.ready), len(letters))
	return nil
}

// Close stops the dispatch workers and the retry timer and waits for them.
// In-flight calls are cancelled and their pairs fall back to Backoff.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
	})
	return nil
}

// Apply merges one change event into its item and schedules deliveries to
// every other linked platform whose known state now differs.
func (e *Engine) Apply(ctx context.Context, ev canonical.ChangeEvent) (ApplyResult, error) {
	ev = ev.Clone()
	ev.SourcePlatform = strings.ToLower(strings.TrimSpace(ev.SourcePlatform))
	ev.NativeID = strings.TrimSpace(ev.NativeID)
	if ev.SourcePlatform == "" || strings.TrimSpace(ev.SourceEventID) == "" {
		return ApplyResult{}, e.reject(ev, ErrInvalidEvent)
	}
	entry, err := e.resolve(ev)
	if err != nil {
		return ApplyResult{}, e.reject(ev, err)
	}
	fx := &effects{}
	result, err := e.applyToItem(ctx, entry, ev, fx)
	e.flush(fx)
	if err != nil {
		if errors.Is(err, canonical.ErrValidation) || errors.Is(err, ErrLinkConflict) {
			return result, e.reject(ev, err)
		}
		return result, err
	}
	if result.Duplicate {
		e.eventsDuplicate.Add(1)
		eventsCounter.WithLabelValues(ev.SourcePlatform, "duplicate").Inc()
		return result, nil
	}
	e.eventsApplied.Add(1)
	eventsCounter.WithLabelValues(ev.SourcePlatform, "applied").Inc()
	return result, nil
}

func (e *Engine) reject(ev canonical.ChangeEvent, err error) error {
	e.eventsRejected.Add(1)
	eventsCounter.WithLabelValues(ev.SourcePlatform, "rejected").Inc()
	e.logger.Printf("engine: rejected event platform=%s event=%s native=%s: %v", ev.SourcePlatform, ev.SourceEventID, ev.NativeID, err)
	return err
}

func (e *Engine) resolve(ev canonical.ChangeEvent) (*itemEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	itemID := strings.TrimSpace(ev.ItemID)
	if ev.NativeID != "" {
		if linked, ok := e.links[linkKey(ev.SourcePlatform, ev.NativeID)]; ok {
			if itemID != "" && itemID != linked {
				return nil, &LinkConflictError{Platform: ev.SourcePlatform, NativeID: ev.NativeID, ItemID: itemID, LinkedItemID: linked}
			}
			itemID = linked
		}
	}
	if itemID == "" {
		if ev.NativeID == "" {
			return nil, ErrInvalidEvent
		}
		itemID = canonical.CorrelationKey(ev.SourcePlatform, ev.NativeID)
	}
	entry, ok := e.items[itemID]
	if !ok {
		entry = &itemEntry{record: newRecord(itemID), pairs: map[string]*pair{}}
		e.items[itemID] = entry
	}
	return entry, nil
}

func (e *Engine) claimLink(platform, nativeID, itemID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := linkKey(platform, nativeID)
	if owner, ok := e.links[key]; ok && owner != itemID {
		return &LinkConflictError{Platform: platform, NativeID: nativeID, ItemID: itemID, LinkedItemID: owner}
	}
	e.links[key] = itemID
	return nil
}

func (e *Engine) applyToItem(ctx context.Context, entry *itemEntry, ev canonical.ChangeEvent, fx *effects) (ApplyResult, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	rec := &entry.record
	platform := ev.SourcePlatform
	result := ApplyResult{ItemID: rec.Item.ID, Version: rec.Item.Version}
	if containsString(rec.AppliedEvents, ev.DedupKey()) {
		result.Duplicate = true
		return result, nil
	}

	reported := make(map[canonical.Field]string, len(ev.FieldChanges))
	for field, value := range ev.FieldChanges {
		normalized, err := canonicalValue(field, value)
		if err != nil {
			return result, err
		}
		reported[field] = normalized
	}

	item := rec.Item
	newLink := false
	if ev.NativeID != "" {
		existing, ok := item.Links[platform]
		if ok && existing != ev.NativeID {
			return result, fmt.Errorf("%w: item %s already linked to %s %q", ErrLinkConflict, item.ID, platform, existing)
		}
		newLink = !ok
	}

	incoming := store.FieldClock{Timestamp: ev.SourceTimestamp, Platform: platform, EventID: ev.SourceEventID}
	winners := map[canonical.Field]string{}
	for field, value := range reported {
		if clock, ok := rec.Clocks[field]; ok && !clockAfter(incoming, clock) {
			continue
		}
		winners[field] = value
	}

	// winners equal to the current value only advance the field clock
	changed := map[canonical.Field]string{}
	for field, value := range winners {
		if item.Value(field) != value {
			changed[field] = value
		}
	}
	next := item.Clone()
	if len(changed) > 0 {
		applied, err := canonical.ApplyChanges(item, changed)
		if err != nil {
			return result, err
		}
		next = applied
	}
	if newLink {
		if err := e.claimLink(platform, ev.NativeID, item.ID); err != nil {
			return result, err
		}
		next.Links[platform] = ev.NativeID
	}
	if ev.SourceTimestamp > next.UpdatedAt {
		next.UpdatedAt = ev.SourceTimestamp
	}

	for field := range winners {
		rec.Clocks[field] = incoming
	}
	rec.Item = next
	known := rec.Known[platform]
	if known == nil {
		known = map[canonical.Field]string{}
		rec.Known[platform] = known
	}
	for field, value := range reported {
		known[field] = value
	}
	rec.AppliedEvents = appendRing(rec.AppliedEvents, ev.DedupKey(), e.appliedEvents)

	result.Version = next.Version
	result.Applied = canonical.PayloadFields(changed)

	for _, target := range next.Platforms() {
		if _, ok := e.adapters.Get(target); !ok {
			continue
		}
		var delta map[canonical.Field]string
		if target == platform && !newLink {
			// only correct what the source itself reported and lost
			delta = knownDelta(next, known)
		} else {
			delta = canonical.Delta(next, rec.Known[target])
		}
		if e.reconcilePairLocked(entry, target, delta, ev.SourceEventID, fx) {
			result.Scheduled = append(result.Scheduled, target)
		}
	}

	if next.Version != item.Version || newLink {
		fx.notes = append(fx.notes, Notification{Type: NotifyItemUpdated, ItemID: next.ID, Platform: platform, Version: next.Version, At: e.now()})
	}
	if err := e.persistLocked(ctx, entry); err != nil {
		return result, err
	}
	return result, nil
}

// reconcilePairLocked moves the pair toward delivering delta. It reports
// whether a new Pending attempt was created.
func (e *Engine) reconcilePairLocked(entry *itemEntry, platform string, delta map[canonical.Field]string, sourceEventID string, fx *effects) bool {
	key := pairKey{entry.record.Item.ID, platform}
	p := entry.pairs[platform]
	if p == nil {
		p = &pair{state: StateIdle}
		entry.pairs[platform] = p
	}
	if p.state == StateInFlight {
		if len(delta) > 0 {
			p.followUp = true
		}
		return false
	}
	if len(delta) == 0 {
		if p.state == StatePending || p.state == StateBackoff {
			e.deadlines.cancel(key)
			e.unpark(key)
			p.state = StateIdle
			p.parked = false
			p.updatedAt = e.now()
		}
		return false
	}
	e.deadlines.cancel(key)
	p.attempt = e.newAttempt(entry.record, platform, delta, sourceEventID)
	p.state = StatePending
	p.followUp = false
	p.updatedAt = e.now()
	fx.ready = append(fx.ready, key)
	return true
}

func (e *Engine) newAttempt(record store.ItemRecord, platform string, delta map[canonical.Field]string, sourceEventID string) canonical.DeliveryAttempt {
	return canonical.DeliveryAttempt{
		ID:             uuid.NewString(),
		TargetPlatform: platform,
		ItemID:         record.Item.ID,
		NativeID:       record.Item.Links[platform],
		Payload:        canonical.ClonePayload(delta),
		BaseVersion:    record.Item.Version,
		IdempotencyKey: idempotencyKey(record.Item.ID, platform, record.Item.Version, delta),
		SourceEventID:  sourceEventID,
	}
}

func (e *Engine) persistLocked(ctx context.Context, entry *itemEntry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.store.SaveItem(ctx, entry.record); err != nil {
		e.persistFailures.Add(1)
		persistFailuresCounter.Inc()
		e.logger.Printf("engine: persist item %s failed: %v", entry.record.Item.ID, err)
		return fmt.Errorf("persist item %s: %w", entry.record.Item.ID, err)
	}
	return nil
}

func (e *Engine) lookup(itemID string) *itemEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.items[itemID]
}

func (e *Engine) entries() []*itemEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*itemEntry, 0, len(e.items))
	for _, entry := range e.items {
		out = append(out, entry)
	}
	return out
}

func (e *Engine) flush(fx *effects) {
	e.ready.push(fx.ready...)
	for _, letter := range fx.letters {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := e.sink.Publish(ctx, letter); err != nil {
			e.logger.Printf("engine: publish dead letter %s failed: %v", letter.ID, err)
		}
		cancel()
	}
	e.notify(fx.notes...)
}

// Observe registers fn for every engine notification and returns a function
// that removes it. fn runs on engine goroutines and must not block.
func (e *Engine) Observe(fn func(Notification)) func() {
	if fn == nil {
		return func() {}
	}
	e.observersMu.Lock()
	id := e.nextObserver
	e.nextObserver++
	e.observers[id] = fn
	e.observersMu.Unlock()
	return func() {
		e.observersMu.Lock()
		delete(e.observers, id)
		e.observersMu.Unlock()
	}
}

func (e *Engine) notify(notes ...Notification) {
	if len(notes) == 0 {
		return
	}
	e.observersMu.RLock()
	defer e.observersMu.RUnlock()
	for _, note := range notes {
		for _, fn := range e.observers {
			fn(note)
		}
	}
}

func (e *Engine) park(key pairKey) {
	e.parkedMu.Lock()
	defer e.parkedMu.Unlock()
	e.parked[key] = struct{}{}
	parkedGauge.Set(float64(len(e.parked)))
}

func (e *Engine) unpark(key pairKey) {
	e.parkedMu.Lock()
	defer e.parkedMu.Unlock()
	delete(e.parked, key)
	parkedGauge.Set(float64(len(e.parked)))
}

// onHealth runs after every probe round: it reports status changes and
// releases parked pairs whose platform is no longer down.
func (e *Engine) onHealth(snapshot map[string]health.PlatformHealth) {
	now := e.now()
	var notes []Notification
	e.healthMu.Lock()
	for platform, state := range snapshot {
		if previous, ok := e.lastHealth[platform]; !ok || previous != state.Status {
			notes = append(notes, Notification{Type: NotifyPlatformHealth, Platform: platform, State: string(state.Status), Error: state.LastError, At: now})
		}
		e.lastHealth[platform] = state.Status
	}
	e.healthMu.Unlock()
	sort.Slice(notes, func(i, j int) bool { return notes[i].Platform < notes[j].Platform })

	var release []pairKey
	e.parkedMu.Lock()
	for key := range e.parked {
		if state, ok := snapshot[key.platform]; ok && state.Status == health.Down {
			continue
		}
		delete(e.parked, key)
		release = append(release, key)
	}
	parkedGauge.Set(float64(len(e.parked)))
	e.parkedMu.Unlock()

	if len(release) > 0 {
		e.logger.Printf("engine: releasing %d parked attempts", len(release))
	}
	e.ready.push(release...)
	e.notify(notes...)
}

func (e *Engine) dispatchWorker() {
	defer e.wg.Done()
	for {
		key, depth, ok := e.ready.pop(e.ctx)
		if !ok {
			return
		}
		if depth >= e.burstThreshold {
			e.probeBeforeBurst()
		}
		e.dispatch(key)
	}
}

func (e *Engine) probeBeforeBurst() {
	if !e.probing.CompareAndSwap(false, true) {
		return
	}
	defer e.probing.Store(false)
	e.health.ProbeStale(e.ctx, e.probeMaxAge)
}

func (e *Engine) dispatch(key pairKey) {
	entry := e.lookup(key.itemID)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	p := entry.pairs[key.platform]
	if p == nil || p.state != StatePending {
		entry.mu.Unlock()
		return
	}
	if e.health.Status(key.platform) == health.Down {
		if !p.parked {
			e.logger.Printf("engine: %s is down, parking attempt item=%s", key.platform, key.itemID)
		}
		p.parked = true
		e.park(key)
		entry.mu.Unlock()
		return
	}
	if p.parked {
		p.parked = false
		e.unpark(key)
	}
	p.state = StateInFlight
	p.attempt.AttemptCount++
	p.attempt.NativeID = entry.record.Item.Links[key.platform]
	p.attempt.NextRetryAt = time.Time{}
	p.updatedAt = e.now()
	attempt := p.attempt.Clone()
	entry.mu.Unlock()

	result, err := e.deliver(attempt)

	fx := &effects{}
	e.complete(entry, key, attempt, result, err, fx)
	e.flush(fx)
}

func (e *Engine) deliver(attempt canonical.DeliveryAttempt) (adapters.DeliveryResult, error) {
	adapter, ok := e.adapters.Get(attempt.TargetPlatform)
	if !ok {
		return adapters.DeliveryResult{}, &adapters.DeliveryError{
			Platform: attempt.TargetPlatform,
			Class:    adapters.ClassPermanent,
			Message:  "no adapter configured",
		}
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.deliveryTimeout)
	defer cancel()
	started := time.Now()
	result, err := adapter.ApplyChange(ctx, adapters.ChangeRequest{
		ItemID:         attempt.ItemID,
		NativeID:       attempt.NativeID,
		Changes:        canonical.ClonePayload(attempt.Payload),
		IdempotencyKey: attempt.IdempotencyKey,
		CorrelationID:  attempt.ID,
	})
	deliveryLatency.WithLabelValues(attempt.TargetPlatform).Observe(time.Since(started).Seconds())
	return result, err
}

func (e *Engine) complete(entry *itemEntry, key pairKey, attempt canonical.DeliveryAttempt, result adapters.DeliveryResult, err error, fx *effects) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	p := entry.pairs[key.platform]
	if p == nil || p.state != StateInFlight || p.attempt.ID != attempt.ID {
		return
	}
	rec := &entry.record
	now := e.now()

	if err == nil {
		outcome := "committed"
		if result.Skipped {
			outcome = "skipped"
		}
		deliveriesCounter.WithLabelValues(key.platform, outcome).Inc()
		known := rec.Known[key.platform]
		if known == nil {
			known = map[canonical.Field]string{}
			rec.Known[key.platform] = known
		}
		for field, value := range attempt.Payload {
			known[field] = value
		}
		p.attempt.LastError = ""
		delta := canonical.Delta(rec.Item, known)
		if (rec.Item.Version > attempt.BaseVersion || p.followUp) && len(delta) > 0 {
			p.attempt = e.newAttempt(*rec, key.platform, delta, attempt.SourceEventID)
			p.state = StatePending
			p.followUp = false
			p.updatedAt = now
			fx.ready = append(fx.ready, key)
		} else {
			p.state = StateCommitted
			p.followUp = false
			p.updatedAt = now
			e.committed.Add(1)
			fx.notes = append(fx.notes, Notification{Type: NotifyDeliveryCommitted, ItemID: key.itemID, Platform: key.platform, Version: attempt.BaseVersion, State: string(StateCommitted), Attempt: attempt.AttemptCount, At: now})
		}
		if err := e.persistLocked(context.Background(), entry); err != nil {
			// the commit stands in memory and is written with the next save
			e.logger.Printf("engine: delivery to %s for item %s committed but not saved", key.platform, key.itemID)
		}
		return
	}

	deliveryErr := adapters.AsDeliveryError(key.platform, err)
	deliveriesCounter.WithLabelValues(key.platform, string(deliveryErr.Class)).Inc()
	p.attempt.LastError = deliveryErr.Error()
	p.updatedAt = now
	if deliveryErr.Class == adapters.ClassPermanent || attempt.AttemptCount >= e.maxAttempts {
		letter := e.deadLetterLocked(p, deliveryErr, now)
		fx.letters = append(fx.letters, letter)
		fx.notes = append(fx.notes, Notification{Type: NotifyDeliveryDeadLettered, ItemID: key.itemID, Platform: key.platform, State: string(StateDeadLettered), Attempt: attempt.AttemptCount, Error: letter.LastError, At: now})
		return
	}

	delay := e.backoff.RetryDelay(attempt.AttemptCount, e.sample(), deliveryErr.RetryAfter)
	p.state = StateBackoff
	p.attempt.NextRetryAt = now.Add(delay)
	e.deadlines.schedule(key, time.Now().Add(delay))
	e.retries.Add(1)
	e.logger.Printf("engine: delivery to %s failed item=%s attempt=%d/%d retry_in=%s: %v",
		key.platform, key.itemID, attempt.AttemptCount, e.maxAttempts, delay, deliveryErr)
	fx.notes = append(fx.notes, Notification{Type: NotifyDeliveryBackoff, ItemID: key.itemID, Platform: key.platform, State: string(StateBackoff), Attempt: attempt.AttemptCount, Error: p.attempt.LastError, At: now})
}

func (e *Engine) deadLetterLocked(p *pair, deliveryErr *adapters.DeliveryError, now time.Time) canonical.DeadLetter {
	attempt := p.attempt
	letter := canonical.DeadLetter{
		ID:             uuid.NewString(),
		ItemID:         attempt.ItemID,
		TargetPlatform: attempt.TargetPlatform,
		Payload:        canonical.ClonePayload(attempt.Payload),
		AttemptCount:   attempt.AttemptCount,
		LastError:      deliveryErr.Error(),
		Class:          string(deliveryErr.Class),
		SourceEventID:  attempt.SourceEventID,
		FailedAt:       now.UTC(),
	}
	p.state = StateDeadLettered
	p.followUp = false

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.SaveDeadLetter(ctx, letter); err != nil {
		e.logger.Printf("engine: persist dead letter %s failed: %v", letter.ID, err)
	}
	e.deadMu.Lock()
	e.deadLetters[letter.ID] = letter
	e.deadMu.Unlock()

	e.deadLettered.Add(1)
	deadLettersCounter.WithLabelValues(letter.TargetPlatform, letter.Class).Inc()
	e.logger.Printf("engine: dead-lettered delivery item=%s platform=%s class=%s attempts=%d: %s",
		letter.ItemID, letter.TargetPlatform, letter.Class, letter.AttemptCount, letter.LastError)
	return letter
}

// onDeadline moves a pair out of Backoff. The payload is recomputed from
// the latest canonical state, so a retry never sends stale values.
func (e *Engine) onDeadline(key pairKey) {
	entry := e.lookup(key.itemID)
	if entry == nil {
		return
	}
	fx := &effects{}
	entry.mu.Lock()
	p := entry.pairs[key.platform]
	if p != nil && p.state == StateBackoff {
		rec := entry.record
		delta := canonical.Delta(rec.Item, rec.Known[key.platform])
		if len(delta) == 0 {
			p.state = StateIdle
		} else {
			p.attempt.Payload = delta
			p.attempt.BaseVersion = rec.Item.Version
			p.attempt.IdempotencyKey = idempotencyKey(rec.Item.ID, key.platform, rec.Item.Version, delta)
			p.attempt.NextRetryAt = time.Time{}
			p.state = StatePending
			fx.ready = append(fx.ready, key)
		}
		p.updatedAt = e.now()
	}
	entry.mu.Unlock()
	e.flush(fx)
}

// Item returns the canonical item.
func (e *Engine) Item(id string) (canonical.TrackedItem, error) {
	entry := e.lookup(id)
	if entry == nil {
		return canonical.TrackedItem{}, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.record.Item.Version == 0 && len(entry.record.Item.Links) == 0 {
		return canonical.TrackedItem{}, ErrNotFound
	}
	return entry.record.Item.Clone(), nil
}

// Pairs reports the delivery state toward every linked platform.
func (e *Engine) Pairs(id string) ([]PairStatus, error) {
	entry := e.lookup(id)
	if entry == nil {
		return nil, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	item := entry.record.Item
	if item.Version == 0 && len(item.Links) == 0 {
		return nil, ErrNotFound
	}
	platforms := item.Platforms()
	for platform := range entry.pairs {
		if _, linked := item.Links[platform]; !linked {
			platforms = append(platforms, platform)
		}
	}
	sort.Strings(platforms)
	out := make([]PairStatus, 0, len(platforms))
	for _, platform := range platforms {
		status := PairStatus{Platform: platform, NativeID: item.Links[platform], State: StateIdle}
		if p := entry.pairs[platform]; p != nil {
			status.State = p.state
			status.Parked = p.parked
			status.AttemptCount = p.attempt.AttemptCount
			status.NextRetryAt = p.attempt.NextRetryAt
			status.LastError = p.attempt.LastError
			status.UpdatedAt = p.updatedAt
			if p.state == StatePending || p.state == StateInFlight || p.state == StateBackoff {
				status.Payload = canonical.ClonePayload(p.attempt.Payload)
			}
		}
		out = append(out, status)
	}
	return out, nil
}

// DeadLetters lists dead letters oldest first, optionally filtered by
// platform. limit <= 0 returns all of them.
func (e *Engine) DeadLetters(platform string, limit int) []canonical.DeadLetter {
	platform = strings.ToLower(strings.TrimSpace(platform))
	e.deadMu.Lock()
	out := make([]canonical.DeadLetter, 0, len(e.deadLetters))
	for _, letter := range e.deadLetters {
		if platform != "" && letter.TargetPlatform != platform {
			continue
		}
		letter.Payload = canonical.ClonePayload(letter.Payload)
		out = append(out, letter)
	}
	e.deadMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.Before(out[j].FailedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ReplayDeadLetter removes the dead letter and starts a fresh delivery
// cycle with the delta recomputed from the current canonical state. The
// returned attempt is zero when the platform is already in sync.
func (e *Engine) ReplayDeadLetter(ctx context.Context, id string) (canonical.DeliveryAttempt, error) {
	e.deadMu.Lock()
	letter, ok := e.deadLetters[id]
	e.deadMu.Unlock()
	if !ok {
		return canonical.DeliveryAttempt{}, ErrNotFound
	}
	entry := e.lookup(letter.ItemID)
	if entry == nil {
		return canonical.DeliveryAttempt{}, ErrNotFound
	}

	fx := &effects{}
	var attempt canonical.DeliveryAttempt
	entry.mu.Lock()
	p := entry.pairs[letter.TargetPlatform]
	if p != nil && p.state == StateDeadLettered {
		p.state = StateIdle
	}
	delta := canonical.Delta(entry.record.Item, entry.record.Known[letter.TargetPlatform])
	if e.reconcilePairLocked(entry, letter.TargetPlatform, delta, letter.SourceEventID, fx) {
		attempt = entry.pairs[letter.TargetPlatform].attempt.Clone()
	}
	entry.mu.Unlock()

	if err := e.removeDeadLetter(ctx, id); err != nil {
		return attempt, err
	}
	e.logger.Printf("engine: replaying dead letter %s item=%s platform=%s fields=%d", id, letter.ItemID, letter.TargetPlatform, len(delta))
	e.flush(fx)
	return attempt, nil
}

// AckDeadLetter discards a dead letter without retrying it.
func (e *Engine) AckDeadLetter(ctx context.Context, id string) error {
	e.deadMu.Lock()
	_, ok := e.deadLetters[id]
	e.deadMu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return e.removeDeadLetter(ctx, id)
}

func (e *Engine) removeDeadLetter(ctx context.Context, id string) error {
	if err := e.store.DeleteDeadLetter(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete dead letter %s: %w", id, err)
	}
	e.deadMu.Lock()
	delete(e.deadLetters, id)
	e.deadMu.Unlock()
	return nil
}

func (e *Engine) Stats() Stats {
	stats := Stats{
		Ready:           e.ready.len(),
		EventsApplied:   e.eventsApplied.Load(),
		EventsDuplicate: e.eventsDuplicate.Load(),
		EventsRejected:  e.eventsRejected.Load(),
		Committed:       e.committed.Load(),
		Retries:         e.retries.Load(),
		DeadLettered:    e.deadLettered.Load(),
		PersistFailures: e.persistFailures.Load(),
	}
	for _, entry := range e.entries() {
		entry.mu.Lock()
		if entry.record.Item.Version > 0 || len(entry.record.Item.Links) > 0 {
			stats.Items++
		}
		for _, p := range entry.pairs {
			switch p.state {
			case StatePending:
				stats.Pending++
			case StateInFlight:
				stats.InFlight++
			case StateBackoff:
				stats.Backoff++
			}
		}
		entry.mu.Unlock()
	}
	e.parkedMu.Lock()
	stats.Parked = len(e.parked)
	e.parkedMu.Unlock()
	e.deadMu.Lock()
	stats.DeadLetters = len(e.deadLetters)
	e.deadMu.Unlock()
	return stats
}

func newRecord(itemID string) store.ItemRecord {
	return store.ItemRecord{
		Item:   canonical.NewTrackedItem(itemID),
		Known:  map[string]map[canonical.Field]string{},
		Clocks: map[canonical.Field]store.FieldClock{},
	}
}

func normalizeRecord(record store.ItemRecord) store.ItemRecord {
	if record.Item.Links == nil {
		record.Item.Links = map[string]string{}
	}
	if record.Known == nil {
		record.Known = map[string]map[canonical.Field]string{}
	}
	if record.Clocks == nil {
		record.Clocks = map[canonical.Field]store.FieldClock{}
	}
	return record
}

func linkKey(platform, nativeID string) string {
	return strings.ToLower(platform) + "\x00" + nativeID
}

// clockAfter orders field writes by source timestamp, then platform name,
// then event id.
func clockAfter(a, b store.FieldClock) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if a.Platform != b.Platform {
		return a.Platform > b.Platform
	}
	return a.EventID > b.EventID
}

func canonicalValue(field canonical.Field, value string) (string, error) {
	next, err := canonical.ApplyFieldChange(canonical.NewTrackedItem("value"), field, value)
	if err != nil {
		return "", err
	}
	return next.Value(field), nil
}

// knownDelta is Delta restricted to fields the platform has reported.
func knownDelta(item canonical.TrackedItem, known map[canonical.Field]string) map[canonical.Field]string {
	delta := map[canonical.Field]string{}
	for field, have := range known {
		if want := item.Value(field); want != have {
			delta[field] = want
		}
	}
	return delta
}

var idempotencyNamespace = uuid.MustParse("b3f0a4de-51c2-4c1e-8d3a-7e9b2f60c415")

// idempotencyKey is stable for a given item version and payload so that
// retries of the same write reuse one key.
func idempotencyKey(itemID, platform string, version uint64, payload map[canonical.Field]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%d", itemID, platform, version)
	for _, field := range canonical.PayloadFields(payload) {
		fmt.Fprintf(&b, "|%s=%s", field, payload[field])
	}
	return uuid.NewSHA1(idempotencyNamespace, []byte(b.String())).String()
}

func containsString(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}

func appendRing(values []string, value string, limit int) []string {
	values = append(values, value)
	if len(values) > limit {
		values = append([]string(nil), values[len(values)-limit:]...)
	}
	return values
}
