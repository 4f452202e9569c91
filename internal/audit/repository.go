package audit

import (
	"context"
	"sync"
	"time"
)

// EventLog is the append-only collection of committed audit events.
// Implementations must reject a second event holding an already-used
// PreviousHash within a partition (ErrChainForked) and a duplicate
// CorrelationID (ErrCorrelationExists); those rejections are the structural
// fork and duplicate prevention the engine relies on.
type EventLog interface {
	// Append durably stores a committed event.
	Append(ctx context.Context, ev *Event) error

	// ListAll retrieves every committed event in the partition. Order is not
	// guaranteed; verification follows hash links instead of list order.
	ListAll(ctx context.Context, partition string) ([]*Event, error)

	// FindByCorrelationID retrieves the event admitted under correlationID in
	// the partition. Returns ErrEventNotFound if none exists.
	FindByCorrelationID(ctx context.Context, partition, correlationID string) (*Event, error)

	// FindByID retrieves the event with the given ID in the partition.
	// Returns ErrEventNotFound if none exists.
	FindByID(ctx context.Context, partition, id string) (*Event, error)
}

// HeadStore holds the current chain head per partition. It is the sole
// source of ordering truth; admission serializes access to it per partition.
type HeadStore interface {
	// Read returns the current head hash for the partition, or SentinelHash
	// if the partition has never been written.
	Read(ctx context.Context, partition string) (string, error)

	// CompareAndSwap replaces the stored head with newHash only if the stored
	// value still equals expectedOld. Returns ErrHeadConflict otherwise.
	CompareAndSwap(ctx context.Context, partition, expectedOld, newHash string) error
}

// memoryChain holds one partition's events and uniqueness indexes.
type memoryChain struct {
	events        []*Event
	byID          map[string]*Event
	byCorrelation map[string]*Event
	byPrevHash    map[string]*Event
}

// InMemoryEventLog is an in-memory implementation of EventLog.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryEventLog struct {
	mu     sync.RWMutex
	chains map[string]*memoryChain
}

// NewInMemoryEventLog creates a new in-memory event log.
func NewInMemoryEventLog() *InMemoryEventLog {
	return &InMemoryEventLog{
		chains: make(map[string]*memoryChain),
	}
}

func (l *InMemoryEventLog) chain(partition string) *memoryChain {
	c, ok := l.chains[partition]
	if !ok {
		c = &memoryChain{
			byID:          make(map[string]*Event),
			byCorrelation: make(map[string]*Event),
			byPrevHash:    make(map[string]*Event),
		}
		l.chains[partition] = c
	}
	return c
}

// Append stores a committed event, enforcing the per-partition uniqueness of
// PreviousHash and CorrelationID.
func (l *InMemoryEventLog) Append(ctx context.Context, ev *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.chain(ev.SiteCollection)

	if _, exists := c.byCorrelation[ev.CorrelationID]; exists {
		return ErrCorrelationExists
	}
	if _, exists := c.byPrevHash[ev.PreviousHash]; exists {
		return ErrChainForked
	}

	// Store a copy to prevent external mutation
	stored := copyEvent(ev)
	c.events = append(c.events, stored)
	c.byID[stored.ID] = stored
	c.byCorrelation[stored.CorrelationID] = stored
	c.byPrevHash[stored.PreviousHash] = stored

	return nil
}

// ListAll retrieves every committed event in the partition in insertion
// order. Returns copies to prevent external modification.
func (l *InMemoryEventLog) ListAll(ctx context.Context, partition string) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c, ok := l.chains[partition]
	if !ok {
		return nil, nil
	}

	results := make([]*Event, 0, len(c.events))
	for _, ev := range c.events {
		results = append(results, copyEvent(ev))
	}
	return results, nil
}

// FindByCorrelationID retrieves the event admitted under correlationID.
func (l *InMemoryEventLog) FindByCorrelationID(ctx context.Context, partition, correlationID string) (*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c, ok := l.chains[partition]
	if !ok {
		return nil, ErrEventNotFound
	}
	ev, ok := c.byCorrelation[correlationID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyEvent(ev), nil
}

// ListPartitions returns every site collection that holds at least one
// committed event. Used by the periodic verification sweep.
func (l *InMemoryEventLog) ListPartitions(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	partitions := make([]string, 0, len(l.chains))
	for name := range l.chains {
		partitions = append(partitions, name)
	}
	return partitions, nil
}

// FindByID retrieves the event with the given ID.
func (l *InMemoryEventLog) FindByID(ctx context.Context, partition, id string) (*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c, ok := l.chains[partition]
	if !ok {
		return nil, ErrEventNotFound
	}
	ev, ok := c.byID[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyEvent(ev), nil
}

// InMemoryHeadStore is an in-memory implementation of HeadStore.
// Thread-safe via Mutex; CompareAndSwap is atomic under the lock.
type InMemoryHeadStore struct {
	mu    sync.Mutex
	heads map[string]*ChainHead
	now   func() time.Time
}

// NewInMemoryHeadStore creates a new in-memory chain head store.
func NewInMemoryHeadStore() *InMemoryHeadStore {
	return &InMemoryHeadStore{
		heads: make(map[string]*ChainHead),
		now:   time.Now,
	}
}

// Read returns the current head hash, or SentinelHash for an unwritten
// partition.
func (s *InMemoryHeadStore) Read(ctx context.Context, partition string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.heads[partition]
	if !ok {
		return SentinelHash, nil
	}
	return head.HeadHash, nil
}

// CompareAndSwap advances the head only if the stored value still equals
// expectedOld. An unwritten partition matches SentinelHash.
func (s *InMemoryHeadStore) CompareAndSwap(ctx context.Context, partition, expectedOld, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := SentinelHash
	if head, ok := s.heads[partition]; ok {
		current = head.HeadHash
	}
	if current != expectedOld {
		return ErrHeadConflict
	}

	s.heads[partition] = &ChainHead{
		SiteCollection: partition,
		HeadHash:       newHash,
		Timestamp:      s.now().UTC(),
	}
	return nil
}
