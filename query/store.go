// Package query holds the latest record per live query and the display
// slots bound to record fields. A Store is an owned value; nothing here is
// process-global.
package query

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/hypernote/metric"
)

// Slot binds one interpolation site to a field of a query's record
type Slot struct {
	ID      string `json:"id"`
	QueryID string `json:"query_id"`
	Field   string `json:"field"`
	Value   Value  `json:"value"`
}

// Binding is what a query directive declared about its feed. It lets a call
// result be republished into the feed before the first record arrives.
type Binding struct {
	Kind          int    `json:"kind"`
	Discriminator string `json:"discriminator,omitempty"`
}

// ChangeFunc observes a replaced record. It runs after slot values are updated.
type ChangeFunc func(queryID string, rec Record)

// Store maps query ids to their latest record and recomputes bound slots
type Store struct {
	mu       sync.RWMutex
	records  map[string]Record
	slots    map[string]*Slot
	byQuery  map[string]map[string]struct{}
	bindings map[string]Binding

	listenerMu   sync.RWMutex
	listeners    map[int]ChangeFunc
	nextListener int

	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics reports the number of registered slots
func WithMetrics(metrics *metric.Metrics) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// NewStore creates an empty store
func NewStore(opts ...Option) *Store {
	s := &Store{
		records:   make(map[string]Record),
		slots:     make(map[string]*Slot),
		byQuery:   make(map[string]map[string]struct{}),
		bindings:  make(map[string]Binding),
		listeners: make(map[int]ChangeFunc),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSlotID returns a fresh slot id
func NewSlotID() string {
	return uuid.NewString()
}

// SetQueryResult replaces the record for queryID and recomputes every slot
// bound to it before returning. Change listeners run afterwards.
func (s *Store) SetQueryResult(queryID string, rec Record) {
	rec = rec.clone()

	s.mu.Lock()
	s.records[queryID] = rec
	for slotID := range s.byQuery[queryID] {
		slot := s.slots[slotID]
		slot.Value = rec.Field(slot.Field)
	}
	s.mu.Unlock()

	s.logger.Debug("Query result updated", "query_id", queryID)
	s.notify(queryID, rec)
}

func (s *Store) notify(queryID string, rec Record) {
	s.listenerMu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]ChangeFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.listenerMu.RUnlock()

	for _, fn := range fns {
		fn(queryID, rec.clone())
	}
}

// QueryResult returns a copy of the latest record for queryID
func (s *Store) QueryResult(queryID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[queryID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// Field reads one field of a query's latest record
func (s *Store) Field(queryID, field string) Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[queryID].Field(field)
}

// Queries lists the ids that have a record, sorted
func (s *Store) Queries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RegisterSlot creates or overwrites a slot and returns its initial value,
// Unresolved when the query has no record yet
func (s *Store) RegisterSlot(slotID, queryID, field string) Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.slots[slotID]; ok {
		s.unindex(prior)
	}

	slot := &Slot{
		ID:      slotID,
		QueryID: queryID,
		Field:   field,
		Value:   s.records[queryID].Field(field),
	}
	s.slots[slotID] = slot
	if s.byQuery[queryID] == nil {
		s.byQuery[queryID] = make(map[string]struct{})
	}
	s.byQuery[queryID][slotID] = struct{}{}

	s.metrics.SetSlotsRegistered(len(s.slots))
	return slot.Value
}

// UnregisterSlot removes a slot and reports whether it existed
func (s *Store) UnregisterSlot(slotID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[slotID]
	if !ok {
		return false
	}
	s.unindex(slot)
	delete(s.slots, slotID)
	s.metrics.SetSlotsRegistered(len(s.slots))
	return true
}

func (s *Store) unindex(slot *Slot) {
	set := s.byQuery[slot.QueryID]
	delete(set, slot.ID)
	if len(set) == 0 {
		delete(s.byQuery, slot.QueryID)
	}
}

// SlotValue returns the cached value of a slot, Unresolved for unknown slots
func (s *Store) SlotValue(slotID string) Value {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.slots[slotID]
	if !ok {
		return Unresolved
	}
	return slot.Value
}

// Slot returns a copy of a slot
func (s *Store) Slot(slotID string) (Slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.slots[slotID]
	if !ok {
		return Slot{}, false
	}
	return *slot, true
}

// Slots returns copies of the slots bound to queryID, sorted by id
func (s *Store) Slots(queryID string) []Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Slot, 0, len(s.byQuery[queryID]))
	for slotID := range s.byQuery[queryID] {
		out = append(out, *s.slots[slotID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bind records the kind and discriminator a query directive declared
func (s *Store) Bind(queryID string, b Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[queryID] = b
}

// Binding returns the declared binding for queryID
func (s *Store) Binding(queryID string) (Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[queryID]
	return b, ok
}

// Discriminator resolves the "d" value that identifies a query's feed: the
// declared binding first, then the d tag of the latest record
func (s *Store) Discriminator(queryID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.bindings[queryID]; ok && b.Discriminator != "" {
		return b.Discriminator, true
	}
	if rec, ok := s.records[queryID]; ok {
		return rec.TagValue("d")
	}
	return "", false
}

// OnChange registers a listener and returns a function that removes it
func (s *Store) OnChange(fn ChangeFunc) func() {
	s.listenerMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

// Forget drops the record and binding of a query. Its slots stay registered
// and fall back to Unresolved.
func (s *Store) Forget(queryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, queryID)
	delete(s.bindings, queryID)
	for slotID := range s.byQuery[queryID] {
		s.slots[slotID].Value = Unresolved
	}
}

// Reset removes every record, slot and binding
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]Record)
	s.slots = make(map[string]*Slot)
	s.byQuery = make(map[string]map[string]struct{})
	s.bindings = make(map[string]Binding)
	s.metrics.SetSlotsRegistered(0)
}
