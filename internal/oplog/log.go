package oplog

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxEntries caps the log when no explicit capacity is configured.
const DefaultMaxEntries = 10000

// Sink persists appended operations. The in-memory log works without one;
// when a sink is configured, persist failures are retried once and then
// surfaced as ErrStorage with the in-memory record preserved so the caller
// can retry.
type Sink interface {
	Persist(op *Operation) error
}

// Log is the bounded, append-only operation log shared by all agents.
// Safe for concurrent use.
type Log struct {
	mu         sync.RWMutex
	entries    []*Operation
	byID       map[OperationID]*Operation
	pins       map[OperationID]int
	nextID     OperationID
	maxEntries int
	sink       Sink
	logger     *zap.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithMaxEntries sets the capacity before FIFO eviction kicks in.
func WithMaxEntries(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxEntries = n
		}
	}
}

// WithSink attaches a persistence sink.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

// New creates an empty operation log.
func New(logger *zap.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{
		byID:       make(map[OperationID]*Operation),
		pins:       make(map[OperationID]int),
		nextID:     1,
		maxEntries: DefaultMaxEntries,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates the operation, assigns the next monotonic ID and records
// it. Returns the assigned ID. The caller's struct is copied; later mutation
// of the argument does not affect the log.
func (l *Log) Append(op *Operation) (OperationID, error) {
	if op == nil {
		return 0, fmt.Errorf("%w: nil operation", ErrEmptyResources)
	}
	if err := op.validate(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored := *op
	stored.ID = l.nextID
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	stored.Resources = append([]string(nil), op.Resources...)
	stored.ParentIDs = append([]OperationID(nil), op.ParentIDs...)

	if l.sink != nil {
		if err := l.persistWithRetry(&stored); err != nil {
			return 0, err
		}
	}

	l.nextID++
	l.entries = append(l.entries, &stored)
	l.byID[stored.ID] = &stored
	op.ID = stored.ID
	op.Timestamp = stored.Timestamp

	l.evictLocked()
	return stored.ID, nil
}

// persistWithRetry retries the sink once before surfacing ErrStorage.
func (l *Log) persistWithRetry(op *Operation) error {
	err := l.sink.Persist(op)
	if err == nil {
		return nil
	}
	l.logger.Warn("operation persist failed, retrying once",
		zap.Uint64("op_id", uint64(op.ID)),
		zap.Error(err))
	if err = l.sink.Persist(op); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// evictLocked drops oldest unpinned entries until the log is back under
// capacity. Pinned entries (referenced by an unresolved conflict) are
// skipped; if only pinned entries remain over capacity, eviction is
// deferred and a warning is logged.
func (l *Log) evictLocked() {
	for len(l.entries) > l.maxEntries {
		evicted := false
		for i, e := range l.entries {
			if l.pins[e.ID] > 0 {
				continue
			}
			delete(l.byID, e.ID)
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			l.logger.Warn("operation log over capacity but all excess entries are pinned by unresolved conflicts",
				zap.Int("entries", len(l.entries)),
				zap.Int("max_entries", l.maxEntries))
			return
		}
	}
}

// Get returns the operation with the given ID, or ErrNotFound if it was
// never appended or has been evicted.
func (l *Log) Get(id OperationID) (*Operation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	op, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	cp := *op
	return &cp, nil
}

// QueryFilter narrows a Query. Zero values mean "no constraint".
type QueryFilter struct {
	// AgentID restricts results to a single agent.
	AgentID string

	// SinceID excludes operations with IDs at or below the given ID.
	SinceID OperationID

	// Limit caps the number of results. 0 means unlimited.
	Limit int
}

// Query returns matching operations in insertion order.
func (l *Log) Query(filter QueryFilter) []Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Operation, 0, len(l.entries))
	for _, e := range l.entries {
		if filter.AgentID != "" && e.AgentID != filter.AgentID {
			continue
		}
		if e.ID <= filter.SinceID {
			continue
		}
		out = append(out, *e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Pin marks an operation as referenced by an unresolved conflict, deferring
// its eviction. Pins are counted; each Pin needs a matching Unpin.
func (l *Log) Pin(id OperationID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[id]; !ok {
		return
	}
	l.pins[id]++
}

// Unpin releases one pin reference. When the count reaches zero the entry
// becomes evictable again and any deferred capacity pressure is relieved.
func (l *Log) Unpin(id OperationID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pins[id] <= 1 {
		delete(l.pins, id)
	} else {
		l.pins[id]--
	}
	l.evictLocked()
}

// Len returns the current entry count.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
