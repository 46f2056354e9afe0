package state

import (
	"sync"

	"github.com/disgoorg/snowflake/v2"
)

// Store is a single-key entity container. Disabled stores are a no-op variant
// behind the same interface: inserts vanish and reads miss, so every caller
// has to tolerate cache misses unconditionally.
type Store[T any] interface {
	Has(id snowflake.ID) bool
	Get(id snowflake.ID) (T, bool)
	Put(id snowflake.ID, v T)
	Delete(id snowflake.ID) (T, bool)
	Len() int
	ForEach(fn func(id snowflake.ID, v T) bool)
	Clear()
}

// GroupedStore is a two-level composite-key container (guild id, channel id,
// …) over inner entity ids.
type GroupedStore[T any] interface {
	Has(groupID, id snowflake.ID) bool
	Get(groupID, id snowflake.ID) (T, bool)
	Put(groupID, id snowflake.ID, v T)
	Delete(groupID, id snowflake.ID) (T, bool)
	DeleteGroup(groupID snowflake.ID)
	GroupLen(groupID snowflake.ID) int
	ForEach(groupID snowflake.ID, fn func(id snowflake.ID, v T) bool)
	Groups(fn func(groupID snowflake.ID) bool)
	Clear()
}

func NewStore[T any](enabled bool) Store[T] {
	if !enabled {
		return noopStore[T]{}
	}
	return &mapStore[T]{items: map[snowflake.ID]T{}}
}

func NewGroupedStore[T any](enabled bool) GroupedStore[T] {
	if !enabled {
		return noopGroupedStore[T]{}
	}
	return &groupedMapStore[T]{groups: map[snowflake.ID]map[snowflake.ID]T{}}
}

// mapStore takes a RWMutex because some stores (users, relationships) are
// shared by every shard loop in the process.
type mapStore[T any] struct {
	mu    sync.RWMutex
	items map[snowflake.ID]T
}

func (s *mapStore[T]) Has(id snowflake.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id]
	return ok
}

func (s *mapStore[T]) Get(id snowflake.ID) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	return v, ok
}

func (s *mapStore[T]) Put(id snowflake.ID, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = v
}

func (s *mapStore[T]) Delete(id snowflake.ID) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[id]
	if ok {
		delete(s.items, id)
	}
	return v, ok
}

func (s *mapStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *mapStore[T]) ForEach(fn func(id snowflake.ID, v T) bool) {
	s.mu.RLock()
	snapshot := make(map[snowflake.ID]T, len(s.items))
	for id, v := range s.items {
		snapshot[id] = v
	}
	s.mu.RUnlock()
	for id, v := range snapshot {
		if !fn(id, v) {
			return
		}
	}
}

func (s *mapStore[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = map[snowflake.ID]T{}
}

type groupedMapStore[T any] struct {
	mu     sync.RWMutex
	groups map[snowflake.ID]map[snowflake.ID]T
}

func (s *groupedMapStore[T]) Has(groupID, id snowflake.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[groupID][id]
	return ok
}

func (s *groupedMapStore[T]) Get(groupID, id snowflake.ID) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.groups[groupID][id]
	return v, ok
}

func (s *groupedMapStore[T]) Put(groupID, id snowflake.ID, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		group = map[snowflake.ID]T{}
		s.groups[groupID] = group
	}
	group[id] = v
}

func (s *groupedMapStore[T]) Delete(groupID, id snowflake.ID) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.groups[groupID][id]
	if ok {
		delete(s.groups[groupID], id)
		if len(s.groups[groupID]) == 0 {
			delete(s.groups, groupID)
		}
	}
	return v, ok
}

func (s *groupedMapStore[T]) DeleteGroup(groupID snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
}

func (s *groupedMapStore[T]) GroupLen(groupID snowflake.ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[groupID])
}

func (s *groupedMapStore[T]) ForEach(groupID snowflake.ID, fn func(id snowflake.ID, v T) bool) {
	s.mu.RLock()
	snapshot := make(map[snowflake.ID]T, len(s.groups[groupID]))
	for id, v := range s.groups[groupID] {
		snapshot[id] = v
	}
	s.mu.RUnlock()
	for id, v := range snapshot {
		if !fn(id, v) {
			return
		}
	}
}

func (s *groupedMapStore[T]) Groups(fn func(groupID snowflake.ID) bool) {
	s.mu.RLock()
	ids := make([]snowflake.ID, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		if !fn(id) {
			return
		}
	}
}

func (s *groupedMapStore[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = map[snowflake.ID]map[snowflake.ID]T{}
}

type noopStore[T any] struct{}

func (noopStore[T]) Has(snowflake.ID) bool           { return false }
func (noopStore[T]) Get(snowflake.ID) (T, bool)      { var zero T; return zero, false }
func (noopStore[T]) Put(snowflake.ID, T)             {}
func (noopStore[T]) Delete(snowflake.ID) (T, bool)   { var zero T; return zero, false }
func (noopStore[T]) Len() int                        { return 0 }
func (noopStore[T]) ForEach(func(snowflake.ID, T) bool) {}
func (noopStore[T]) Clear()                          {}

type noopGroupedStore[T any] struct{}

func (noopGroupedStore[T]) Has(_, _ snowflake.ID) bool         { return false }
func (noopGroupedStore[T]) Get(_, _ snowflake.ID) (T, bool)    { var zero T; return zero, false }
func (noopGroupedStore[T]) Put(_, _ snowflake.ID, _ T)         {}
func (noopGroupedStore[T]) Delete(_, _ snowflake.ID) (T, bool) { var zero T; return zero, false }
func (noopGroupedStore[T]) DeleteGroup(snowflake.ID)           {}
func (noopGroupedStore[T]) GroupLen(snowflake.ID) int          { return 0 }
func (noopGroupedStore[T]) ForEach(snowflake.ID, func(snowflake.ID, T) bool) {}
func (noopGroupedStore[T]) Groups(func(snowflake.ID) bool)     {}
func (noopGroupedStore[T]) Clear()                             {}
